package configure

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentregistry-dev/agentrun/internal/cli/common"
	"github.com/agentregistry-dev/agentrun/internal/config"
)

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "<none>", MaskKey(""))
	assert.Equal(t, "***", MaskKey("abc"))
	assert.Equal(t, "********wxyz", MaskKey("sk-abcdefwxyz"))
}

func TestSetCommandsPersist(t *testing.T) {
	dir := t.TempDir()
	rt := &common.Runtime{Config: &config.Config{CacheDir: dir}}
	cmd := NewConfigCmd(func() *common.Runtime { return rt })

	for _, args := range [][]string{
		{"set-key", "sk-secret"},
		{"set-url", "api.example.com/v1/"},
		{"set-project", "proj-7"},
	} {
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())
	}

	user, err := config.LoadUserConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, &config.UserConfig{
		APIKey:          "sk-secret",
		BaseURL:         "https://api.example.com/v1",
		ActiveProjectID: "proj-7",
	}, user)
}

func TestShow(t *testing.T) {
	rt := &common.Runtime{Config: &config.Config{
		CacheDir:          t.TempDir(),
		BaseURL:           "https://api.example.com/v1",
		APIKey:            "sk-abcdefwxyz",
		DefaultRunTimeout: 300,
	}}
	cmd := NewConfigCmd(func() *common.Runtime { return rt })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show"})
	require.NoError(t, cmd.Execute())

	got := out.String()
	assert.Contains(t, got, "SETTING")
	assert.Contains(t, got, "https://api.example.com/v1")
	assert.Contains(t, got, "********wxyz")
	assert.NotContains(t, got, "sk-abcdefwxyz")
	assert.Contains(t, got, "300s")
	assert.Contains(t, got, "<none>")
}
