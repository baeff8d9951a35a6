package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	ouroboros "github.com/i5heu/ouroboros-records"
	"github.com/i5heu/ouroboros-records/pkg/registry"
	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	dataDir    string
	backend    string
	debug      bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "recordctl",
		Short:         "Inspect and edit an ouroboros records store",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&g.dataDir, "data", "./data", "data directory when no config file is given")
	root.PersistentFlags().StringVar(&g.backend, "registry", "badger", "registry backend when no config file is given (badger or sqlite)")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "debug logging")

	root.AddCommand(
		newPutCmd(g),
		newGetCmd(g),
		newRmCmd(g),
		newLsCmd(g),
		newSweepCmd(g),
		newNodesCmd(g),
	)
	return root
}

// withRecords opens the store for the duration of fn.
func withRecords(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, r *ouroboros.Records) error) error {
	var (
		r   *ouroboros.Records
		err error
	)
	if g.configPath != "" {
		r, err = ouroboros.NewFromFile(g.configPath)
	} else {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		if g.debug {
			logger.SetLevel(logrus.DebugLevel)
		}
		r, err = ouroboros.New(ouroboros.Config{
			Paths:           []string{g.dataDir},
			RegistryBackend: g.backend,
			Logger:          logger,
		})
	}
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(context.Background()); cerr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "close: %v\n", cerr)
		}
	}()
	return fn(ctx, r)
}

func printRecord(w io.Writer, rec types.Record) error {
	row, err := types.ToRow(rec)
	if err != nil {
		return err
	}
	raw, err := row.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}

func newPutCmd(g *globalFlags) *cobra.Command {
	var (
		id, parent, fields, file, mime string
	)
	cmd := &cobra.Command{
		Use:   "put <kind>",
		Short: "Create or update a record",
		Long: `Create or update a record of the given kind.

Fields are given as a JSON object, e.g. --fields '{"title":"Kickoff"}'.
With --file the file content becomes the record's payload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := types.New(types.Kind(args[0]))
			if err != nil {
				return err
			}
			if fields != "" {
				if err := json.Unmarshal([]byte(fields), rec); err != nil {
					return fmt.Errorf("parse --fields: %w", err)
				}
			}

			var payload *types.Payload
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if mime == "" {
					mime = http.DetectContentType(data)
				}
				p := types.BinaryPayload(mime, data)
				payload = &p
				if a, ok := rec.(*types.Attachment); ok {
					a.Size = int64(len(data))
					if a.MimeType == "" {
						a.MimeType = mime
					}
				}
			}

			return withRecords(cmd, g, func(ctx context.Context, r *ouroboros.Records) error {
				if id != "" {
					// keep pointer and creation time of an existing record
					row, err := r.Coordinator().Registry().Get(ctx, id)
					switch {
					case err == nil:
						rec.SetShardPointer(row.Pointer)
						rec.SetTimestamps(row.CreatedAt, row.UpdatedAt)
					case !errors.Is(err, registry.ErrNotFound):
						return err
					}
					rec.SetRecordID(id)
				}
				rec.SetParentKey(parent)
				if err := r.Save(ctx, rec, payload); err != nil {
					return err
				}
				return printRecord(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "record id, a new one is minted when empty")
	cmd.Flags().StringVar(&parent, "parent", "", "parent record id")
	cmd.Flags().StringVar(&fields, "fields", "", "record fields as JSON")
	cmd.Flags().StringVar(&file, "file", "", "payload file")
	cmd.Flags().StringVar(&mime, "mime", "", "payload MIME type, sniffed when empty")
	return cmd
}

func newGetCmd(g *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a record and optionally write its payload to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd, g, func(ctx context.Context, r *ouroboros.Records) error {
				rec, payload, err := r.Load(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printRecord(cmd.OutOrStdout(), rec); err != nil {
					return err
				}
				if out == "" {
					return nil
				}
				if payload == nil {
					return fmt.Errorf("record %s has no payload", args[0])
				}
				return os.WriteFile(out, payload.Data, 0o600)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the payload here")
	return cmd
}

func newRmCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete records and their payloads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecords(cmd, g, func(ctx context.Context, r *ouroboros.Records) error {
				for _, id := range args {
					if err := r.DeleteByID(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				}
				return nil
			})
		},
	}
}

func newLsCmd(g *globalFlags) *cobra.Command {
	var (
		q    registry.Query
		kind string
		sort string
		desc bool
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q.Kind = types.Kind(kind)
			if sort != "" {
				q.Sort = []registry.SortKey{{Field: registry.SortField(sort), Desc: desc}}
			}
			return withRecords(cmd, g, func(ctx context.Context, r *ouroboros.Records) error {
				page, err := r.Query(ctx, q)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, rec := range page.Records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						rec.RecordID(), rec.RecordKind(), rec.Updated().Format("2006-01-02 15:04:05"), rec.SearchText())
				}
				fmt.Fprintf(w, "%d of %d\n", len(page.Records), page.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only records of this kind")
	cmd.Flags().StringVar(&q.ParentID, "parent", "", "only children of this record")
	cmd.Flags().StringVar(&q.Search, "search", "", "case-insensitive substring")
	cmd.Flags().StringVar(&sort, "sort", "", "updated_at or created_at")
	cmd.Flags().BoolVar(&desc, "desc", false, "sort descending")
	cmd.Flags().IntVar(&q.Page, "page", 0, "zero based page")
	cmd.Flags().IntVar(&q.PageSize, "size", 0, "page size, 0 lists everything")
	return cmd
}

func newSweepCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove payloads no record points at",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRecords(cmd, g, func(ctx context.Context, r *ouroboros.Records) error {
				report, err := r.Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, removed %d, young %d, failed %d\n",
					report.Scanned, report.Removed, report.Young, report.Failed)
				return err
			})
		},
	}
}

func newNodesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Probe the shard nodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRecords(cmd, g, func(ctx context.Context, r *ouroboros.Records) error {
				h, err := r.Health(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, n := range h.Nodes {
					state := "up"
					if !n.Available {
						state = "down: " + n.Err.Error()
					}
					fmt.Fprintf(w, "%s\t%s\t%d MiB free\t%s\n", n.Address, state, n.FreeBytes>>20, n.Latency)
				}
				if !h.Healthy {
					return errors.New("no shard node is available")
				}
				return nil
			})
		},
	}
}
