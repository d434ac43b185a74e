package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"registrar/internal/app"
	"registrar/internal/domain"
	"registrar/internal/engine"
	"registrar/internal/repo"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "snapshot", Short: "Export and check registrar snapshots"}
	cmd.AddCommand(snapshotExportCmd())
	cmd.AddCommand(snapshotVerifyCmd())
	return cmd
}

func snapshotExportCmd() *cobra.Command {
	var out string
	var store bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a zstd-compressed CBOR snapshot including the attestation log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				s, err := a.Registrar.Snapshot(true)
				if err != nil {
					return err
				}
				body, err := s.Encode()
				if err != nil {
					return err
				}
				if err := writeCompressed(out, body); err != nil {
					return err
				}
				if store {
					if _, err := a.Repo.InsertSnapshot(ctx, repo.SnapshotRecord{
						Version:     s.Version,
						TakenAt:     s.TakenAt,
						LastSeq:     s.LastSeq,
						Fingerprint: s.Fingerprint.String(),
						Body:        body,
					}); err != nil {
						return err
					}
				}
				summary := map[string]any{
					"out":          out,
					"version":      s.Version,
					"attestations": s.AttestationCount,
					"streams":      len(s.States),
					"fingerprint":  s.Fingerprint.String(),
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("wrote %s: %d attestations, %d streams, fingerprint %s\n", out, s.AttestationCount, len(s.States), s.Fingerprint)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "registrar.cbor.zst", "output file")
	cmd.Flags().BoolVar(&store, "store", false, "also record the snapshot in the workspace")
	return cmd
}

func snapshotVerifyCmd() *cobra.Command {
	var in string
	var stored bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Rebuild a snapshot from its own log and check its fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if stored {
				err = withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
					rec, err := r.LatestSnapshot(ctx)
					if errors.Is(err, repo.ErrNotFound) {
						return errors.New("no stored snapshot; run snapshot export --store first")
					}
					body = rec.Body
					return err
				})
				in = "latest stored"
			} else {
				body, err = readCompressed(in)
			}
			if err != nil {
				return err
			}
			s, err := engine.DecodeSnapshot(body)
			if err != nil {
				return err
			}
			r, err := engine.Restore(cmd.Context(), s, engine.WithLogger(discardLogger()))
			if err != nil {
				var div *domain.ReplayDivergenceError
				if errors.As(err, &div) {
					return fmt.Errorf("snapshot %s does not replay: %w", in, err)
				}
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"status": "ok", "fingerprint": s.Fingerprint.String(), "streams": len(r.ListStates())})
			}
			fmt.Printf("ok: %d attestations reproduce fingerprint %s\n", r.AttestationCount(), s.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "registrar.cbor.zst", "snapshot file")
	cmd.Flags().BoolVar(&stored, "stored", false, "check the latest snapshot stored in the workspace instead of a file")
	return cmd
}

func writeCompressed(path string, body []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := compress(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func compress(w io.Writer, body []byte) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	if _, err := enc.Write(body); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func readCompressed(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decompress(f)
}

func decompress(r io.Reader) ([]byte, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
