package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rescued/pkg/bus"
	gos3 "rescued/pkg/s3"
	"rescued/services/bundler"
	"rescued/services/probe"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rescuectl",
		Short:         "Operator utility for the rescue hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newEvidenceCommand())
	cmd.AddCommand(newProbeCommand())
	cmd.AddCommand(newEventsCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newEvidenceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Export and verify signed evidence bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newEvidenceExportCommand())
	cmd.AddCommand(newEvidenceVerifyCommand())
	return cmd
}

func newEvidenceExportCommand() *cobra.Command {
	var (
		address     string
		evidenceDir string
		auditDir    string
		output      string
		destination string
		linkTTL     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Bundle the evidence and audit log of one address into a signed tar.zst",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			if _, err := bundler.Export(ctx, bundler.ExportConfig{
				EvidenceRoot: evidenceDir,
				AuditRoot:    auditDir,
				Address:      address,
				Output:       output,
				Signer:       signer,
				Stdout:       cmd.OutOrStdout(),
			}); err != nil {
				return err
			}

			if destination == "" {
				return nil
			}
			s3Client, err := gos3.NewClientFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			link, err := bundler.Upload(ctx, bundler.UploadConfig{
				BundlePath:  output,
				Destination: destination,
				S3:          s3Client,
				Metadata:    map[string]string{"address": address},
				LinkTTL:     linkTTL,
				Stdout:      cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "download link (valid %s): %s\n", linkTTL, link)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Agent address whose evidence is exported")
	cmd.Flags().StringVar(&evidenceDir, "evidence-dir", envOr("RESCUE_EVIDENCE_DIR", "./evidence"), "Evidence root of the hub")
	cmd.Flags().StringVar(&auditDir, "audit-dir", envOr("RESCUE_AUDIT_DIR", "./audit"), "Audit root of the hub")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	cmd.Flags().StringVar(&destination, "s3", "", "Optional s3://bucket/prefix to upload the bundle to")
	cmd.Flags().DurationVar(&linkTTL, "link-ttl", 24*time.Hour, "Lifetime of the presigned download link")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newEvidenceVerifyCommand() *cobra.Command {
	var (
		bundleFile string
		extractTo  string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the signature and digests of an evidence bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			m, err := bundler.Verify(commandContext(cmd), bundler.VerifyConfig{
				BundlePath: bundleFile,
				ExtractTo:  extractTo,
				Signer:     signer,
				Stdout:     cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d files intact\n", len(m.Files))
			return nil
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&extractTo, "extract-to", "", "Optional directory receiving the verified files")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newProbeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Network diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var asJSON bool
	vnc := &cobra.Command{
		Use:   "vnc HOST [PORT]",
		Short: "Run the RFB handshake against HOST, sweeping 5900-5905 without PORT",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			var result fmt.Stringer
			if len(args) == 2 {
				port, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("invalid port %q", args[1])
				}
				result = probe.Handshake(ctx, args[0], port, probe.Options{})
			} else {
				result = probe.Sweep(ctx, args[0], probe.Options{})
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.String())
			return nil
		},
	}
	vnc.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")

	cmd.AddCommand(vnc)
	return cmd
}

func newEventsCommand() *cobra.Command {
	var (
		natsURL string
		subject string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow hub events published on NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := bus.New(natsURL)
			if err != nil {
				return fmt.Errorf("connect %s: %w", natsURL, err)
			}
			defer b.Close()
			if err := b.EnsureStream(); err != nil {
				return fmt.Errorf("ensure stream: %w", err)
			}

			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(ctx, subject, "", func(_ context.Context, msg bus.Message) error {
				at := msg.Published
				if at.IsZero() {
					at = time.Now()
				}
				fmt.Fprintf(out, "%s %s %s\n", at.UTC().Format(time.RFC3339), msg.Subject, msg.Data)
				return nil
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", envOr("NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", bus.StreamSubject, "Subject filter")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
