package agent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentrun/internal/client"
	"github.com/agentregistry-dev/agentrun/internal/manifest"
	"github.com/agentregistry-dev/agentrun/internal/registry"
	"github.com/agentregistry-dev/agentrun/pkg/printer"
)

var (
	uploadAgentID    string
	uploadForce      bool
	uploadNoProgress bool
)

var UploadCmd = &cobra.Command{
	Use:   "upload <archive>",
	Short: "Upload a packaged agent to the hosted API",
	Long: `Sends the agent's metadata and then its archive to the hosted API and
marks the local record uploaded. The archive must already exist.

Examples:
  agentrun upload ./my-agent.zip --agent-id 3f1c...`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	UploadCmd.Flags().StringVar(&uploadAgentID, "agent-id", "", "Agent to upload (required)")
	UploadCmd.Flags().BoolVar(&uploadForce, "force", false, "Upload the archive even if the server already has this content")
	UploadCmd.Flags().BoolVar(&uploadNoProgress, "no-progress", false, "Do not show upload progress")
	_ = UploadCmd.MarkFlagRequired("agent-id")
}

func runUpload(cmd *cobra.Command, args []string) error {
	r, err := runtime()
	if err != nil {
		return err
	}
	store, err := r.Store()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	archivePath := args[0]

	rec, err := store.Get(ctx, uploadAgentID)
	if err != nil {
		return fmt.Errorf("failed to get agent: %w", err)
	}
	if other, err := store.FindByContentFingerprint(ctx, rec.ContentFingerprint); err == nil && other.AgentID != rec.AgentID {
		printer.PrintWarning(fmt.Sprintf("agent %s has identical content", other.AgentID))
	}

	meta := client.UploadMetadata{
		AgentID:            rec.AgentID,
		Framework:          rec.Framework,
		ConfigFingerprint:  rec.ConfigFingerprint,
		ContentFingerprint: rec.ContentFingerprint,
		Entrypoints:        rec.Entrypoints,
	}
	if m, err := manifest.NewManager(rec.AgentPath).Load(); err == nil {
		meta.AgentName = m.AgentName
		meta.Template = m.Template
		meta.Version = m.Version
	}

	api := r.API()
	res, err := api.UploadMetadata(ctx, meta)
	if err != nil {
		return r.Classify(rec.AgentID, err)
	}
	if res.Duplicate && !uploadForce {
		printer.PrintInfo(fmt.Sprintf("The server already has this version of agent %s; skipping the archive (use --force to send it anyway).", rec.AgentID))
		return markUploaded(cmd, store, rec.AgentID)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	var body io.Reader = f
	if !uploadNoProgress {
		bar := progressbar.DefaultBytes(info.Size(), "uploading")
		defer func() { _ = bar.Finish() }()
		body = io.TeeReader(f, bar)
	}
	res, err = api.Upload(ctx, body, filepath.Base(archivePath), map[string]string{"agent_id": rec.AgentID})
	if err != nil {
		return r.Classify(rec.AgentID, err)
	}
	printer.PrintSuccess(fmt.Sprintf("Uploaded agent %s (%s)", res.AgentID, printer.EmptyValueOrDefault(res.Status, "uploaded")))
	return markUploaded(cmd, store, rec.AgentID)
}

func markUploaded(cmd *cobra.Command, store *registry.Store, agentID string) error {
	_, err := store.MarkUploaded(cmd.Context(), agentID)
	if errors.Is(err, registry.ErrInvalidTransition) {
		// Already deployed or running; the record is further along than uploaded.
		return nil
	}
	return err
}
