package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/dengon/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	var (
		tenant, contact string
		req             ingest.Request
	)

	cmd := &cobra.Command{
		Use:   "ingest [text]",
		Short: "Record an inbound customer message and queue it for a reply",
		Long: `Stores an inbound message as a channel adapter would and publishes it to the
incoming topic. The text is taken from the arguments, or from stdin when the
only argument is "-".`,
		Example: `  dengon ingest --tenant $TENANT --channel whatsapp --from +819012345678 "Where is my order?"
  echo "Hello" | dengon ingest --tenant $TENANT --channel email --from a@example.com --subject Hi -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.TenantID, err = uuid.Parse(tenant); err != nil {
				return fmt.Errorf("--tenant: %w", err)
			}
			if contact != "" {
				id, err := uuid.Parse(contact)
				if err != nil {
					return fmt.Errorf("--contact: %w", err)
				}
				req.ContactID = &id
			}
			if len(args) == 1 && args[0] == "-" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				req.Content = strings.TrimSpace(string(raw))
			} else {
				req.Content = strings.Join(args, " ")
			}

			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := ingest.NewService(a.db, a.bus, cfg.StreamPrefix, logger).Ingest(ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"conversation_id": res.Conversation.ID,
				"message_id":      res.Message.ID,
				"entry_id":        res.EntryID,
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&tenant, "tenant", "", "tenant ID (required)")
	f.StringVar(&req.Channel, "channel", "", "inbound channel, e.g. whatsapp or email (required)")
	f.StringVar(&req.ChannelContactID, "from", "", "sender address on the channel (required)")
	f.StringVar(&contact, "contact", "", "resolved contact ID")
	f.StringVar(&req.Subject, "subject", "", "email subject")
	f.StringVar(&req.EmailMessageID, "email-message-id", "", "email Message-ID header")
	f.StringVar(&req.References, "references", "", "email References header")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}
