package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/renameio"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deltavault/deltavault/internal/backup"
	"github.com/deltavault/deltavault/pkg/bytesize"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup <path>...",
		Short: "Back up files and directories",
		Long: `Back up one or more files. Directories are walked recursively and every
regular file below them is backed up. The storage root itself is skipped.

Each file becomes a new version whose parent is the file's previous version.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runBackup,
	}
	cmd.Flags().Uint64("parent", 0, "record this version as the parent (single file only; 0 = root)")
	return cmd
}

func runBackup(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args, cfg.StorageRoot)
	if err != nil {
		return err
	}

	var opts []backup.Option
	if cmd.Flags().Changed("parent") {
		if len(files) != 1 {
			return fmt.Errorf("--parent needs exactly one file, got %d", len(files))
		}
		parent, _ := cmd.Flags().GetUint64("parent")
		opts = append(opts, backup.WithParent(parent))
	}

	v, err := openVault(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	out := cmd.OutOrStdout()
	var failed int
	for _, path := range files {
		res, err := v.Backup(cmd.Context(), path, opts...)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "%s: %v\n", path, err)
			if cmd.Context().Err() != nil {
				break
			}
			continue
		}
		_, _ = fmt.Fprintf(out, "%s -> version %d (%d blocks, %d new, %s stored)\n",
			res.Path, res.VersionID, res.Blocks, res.NewBlocks, bytesize.Format(res.StoredBytes))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

// collectFiles expands paths into the regular files to back up. Directories
// are walked; anything under skipDir is ignored.
func collectFiles(paths []string, skipDir string) ([]string, error) {
	skip := ""
	if skipDir != "" {
		if abs, err := filepath.Abs(skipDir); err == nil {
			skip = abs
		}
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if abs, err := filepath.Abs(path); err == nil && abs == skip {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				log.Debug().Str("path", path).Msg("skipping non-regular file")
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	return files, nil
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <version-id> <output>",
		Short: "Restore a version to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVersionID(args[0])
			if err != nil {
				return err
			}

			v, err := openVault(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = v.Close() }()

			res, err := v.Restore(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Restored version %d of %s to %s (%s)\n",
				id, res.Version.Path, res.Path, bytesize.Format(res.Written))
			return nil
		},
	}
}

func parseVersionID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid version id %q - must be a positive integer", s)
	}
	return id, nil
}

func newVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <path>",
		Short: "List the versions of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = v.Close() }()

			versions, err := v.Versions(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "VERSION\tPARENT\tSIZE\tBLOCKS\tCREATED\tFINGERPRINT")
			for _, ver := range versions {
				parent := "-"
				if ver.ParentID != 0 {
					parent = strconv.FormatUint(ver.ParentID, 10)
				}
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
					ver.ID, parent, bytesize.Format(ver.Size), ver.BlockCount,
					ver.CreatedAt.Local().Format(time.DateTime), ver.FileFingerprint)
			}
			return w.Flush()
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show deduplication statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := openVault(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = v.Close() }()

			s, err := v.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Storage root:   %s\n", cfg.StorageRoot)
			_, _ = fmt.Fprintf(out, "Files:          %d\n", s.Registry.Files)
			_, _ = fmt.Fprintf(out, "Versions:       %d\n", s.Registry.Versions)
			_, _ = fmt.Fprintf(out, "Blocks:         %d\n", s.Index.Blocks)
			_, _ = fmt.Fprintf(out, "References:     %d\n", s.Index.References)
			_, _ = fmt.Fprintf(out, "Dedup ratio:    %.2f\n", s.Index.DedupRatio)
			_, _ = fmt.Fprintf(out, "Logical bytes:  %s\n", bytesize.Format(s.Index.LogicalBytes))
			_, _ = fmt.Fprintf(out, "Stored bytes:   %s (%d block files)\n", bytesize.Format(s.Store.Bytes), s.Store.Blocks)
			return nil
		},
	}
}

func newLineageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lineage",
		Short: "Export or check the version graph",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "export [file]",
		Short: "Write the version graph to a file (stdout when omitted or -)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = v.Close() }()

			if len(args) == 0 || args[0] == "-" {
				return v.ExportLineage(cmd.Context(), cmd.OutOrStdout())
			}

			pending, err := renameio.TempFile("", args[0])
			if err != nil {
				return err
			}
			defer func() { _ = pending.Cleanup() }()
			if err := v.ExportLineage(cmd.Context(), pending); err != nil {
				return err
			}
			if err := pending.Chmod(0644); err != nil {
				return err
			}
			return pending.CloseAtomicallyReplace()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Compare an exported version graph against the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader
			if args[0] == "-" {
				r = cmd.InOrStdin()
			} else {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				r = f
			}

			v, err := openVault(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = v.Close() }()

			n, err := v.CheckLineage(cmd.Context(), r)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "OK: %d versions match the registry\n", n)
			return nil
		},
	})

	return cmd
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errVerifyFailed):
		return 2
	default:
		return 1
	}
}
