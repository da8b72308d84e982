package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/foundry/repos/internal/core/models"
	"github.com/foundry/repos/internal/util/hashing"
)

func pushCmd(c *client) *cobra.Command {
	var (
		branch, pkgType, contentType string
		identifier, info, remote     string
		tags, urlTags                []string
		replace                      bool
	)

	cmd := &cobra.Command{
		Use:   "push <package> <version> [file]",
		Short: "Publish an artifact from a file or a remote URL",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var file string
			if len(args) == 3 {
				file = args[2]
			}
			if file == "" && remote == "" {
				return fmt.Errorf("either a file or --url is required")
			}
			if info != "" && !json.Valid([]byte(info)) {
				return fmt.Errorf("--info must be valid JSON")
			}

			fields := url.Values{
				"name":    {args[0]},
				"version": {args[1]},
				"replace": {strconv.FormatBool(replace)},
			}
			set := func(k, v string) {
				if v != "" {
					fields.Set(k, v)
				}
			}
			set("branch", branch)
			set("type", pkgType)
			set("content_type", contentType)
			set("identifier", identifier)
			set("info", info)
			set("url", remote)
			fields["tags"] = tags
			fields["url_tags"] = urlTags

			body, formType, err := multipartForm(fields, "contents", file)
			if err != nil {
				return err
			}
			size := int64(body.Len())
			pr := &progressReader{Reader: body, progress: progress{out: cmd.ErrOrStderr(), label: "Uploading", total: size}}

			req, err := c.newRequest(http.MethodPost, "/packages", nil, pr, true)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", formType)
			req.ContentLength = size

			start := time.Now()
			var result models.PublishResponse
			err = c.sendJSON(req, &result)
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pushed %s@%s\n", result.Package, result.Version)
			fmt.Fprintf(out, "  Key:      %s\n", result.Key)
			fmt.Fprintf(out, "  File:     %s\n", result.FileName)
			fmt.Fprintf(out, "  Duration: %v\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&branch, "branch", "", "branch (default master)")
	f.StringVar(&pkgType, "type", "", "package type, used as the download extension")
	f.StringVar(&contentType, "content-type", "", "content type served on download")
	f.StringVar(&identifier, "identifier", "", "package identifier (defaults to the name)")
	f.StringVar(&info, "info", "", "JSON object stored with the artifact")
	f.StringVar(&remote, "url", "", "remote URL to redirect downloads to")
	f.StringArrayVar(&tags, "tag", nil, "artifact tag (repeatable)")
	f.StringArrayVar(&urlTags, "url-tag", nil, "tagged remote URL as tag:url (repeatable)")
	f.BoolVar(&replace, "replace", true, "replace an existing artifact with the same version and branch")
	return cmd
}

func pullCmd(c *client) *cobra.Command {
	var version, branch, tag, key, output string

	cmd := &cobra.Command{
		Use:   "pull <package>",
		Short: "Download an artifact",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			query := url.Values{}
			switch {
			case key != "":
				path = "/artifacts/" + url.PathEscape(key)
			case len(args) == 1:
				path = "/packages/" + url.PathEscape(args[0])
				if version != "" {
					query.Set("version", version)
				}
				if branch != "" {
					query.Set("branch", branch)
				}
			default:
				return fmt.Errorf("a package name or --key is required")
			}
			if tag != "" {
				query.Set("tag", tag)
			}

			req, err := c.newRequest(http.MethodGet, path, query, nil, false)
			if err != nil {
				return err
			}
			resp, err := c.do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if output == "" {
				output = downloadName(resp, args)
			}
			start := time.Now()
			n, err := saveBody(resp, output, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pulled -> %s\n", output)
			if d := resp.Header.Get("X-Artifact-Digest"); d != "" {
				fmt.Fprintf(out, "  Digest:   %s\n", d)
			}
			fmt.Fprintf(out, "  Size:     %s\n", humanize.IBytes(uint64(n)))
			fmt.Fprintf(out, "  Duration: %v\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&version, "version", "", "version to pull (default most recently published)")
	f.StringVar(&branch, "branch", "", "branch to pull from")
	f.StringVar(&tag, "tag", "", "URL tag for remote artifacts")
	f.StringVar(&key, "key", "", "pull by artifact key instead of package name")
	f.StringVarP(&output, "output", "o", "", "output file (default the served file name)")
	return cmd
}

// downloadName picks the served file name, falling back to the package name.
func downloadName(resp *http.Response, args []string) string {
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		if name := filepath.Base(params["filename"]); name != "." && name != "/" && name != "" {
			return name
		}
	}
	if len(args) == 1 {
		return args[0]
	}
	return "artifact"
}

// saveBody writes the response to output through a .part file, checking the
// advertised digest before the final rename.
func saveBody(resp *http.Response, output string, progressOut io.Writer) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return 0, fmt.Errorf("creating output directory: %w", err)
	}

	tmpOutput := output + ".part"
	file, err := os.Create(tmpOutput)
	if err != nil {
		return 0, fmt.Errorf("creating output file: %w", err)
	}
	success := false
	defer func() {
		file.Close()
		if !success {
			_ = os.Remove(tmpOutput)
		}
	}()

	pw := &progressWriter{Writer: file, progress: progress{out: progressOut, label: "Downloading", total: resp.ContentLength}}
	n, err := io.Copy(pw, resp.Body)
	fmt.Fprintln(progressOut)
	if err != nil {
		return 0, fmt.Errorf("downloading: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("closing downloaded file: %w", err)
	}

	if expected := resp.Header.Get("X-Artifact-Digest"); expected != "" {
		f, err := os.Open(tmpOutput)
		if err != nil {
			return 0, fmt.Errorf("reopening download: %w", err)
		}
		err = hashing.Verify(expected, f)
		f.Close()
		if err != nil {
			return 0, fmt.Errorf("verifying download: %w", err)
		}
	}

	if err := os.Rename(tmpOutput, output); err != nil {
		return 0, fmt.Errorf("finalizing output file: %w", err)
	}
	success = true
	return n, nil
}

func infoCmd(c *client) *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "info <package>",
		Short: "Show the info stored with an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if version != "" {
				query.Set("version", version)
			}
			var info map[string]any
			if err := c.getJSON("/packages/"+url.PathEscape(args[0])+"/info", query, false, &info); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "version (default most recently published)")
	return cmd
}

func artifactsCmd(c *client) *cobra.Command {
	var version, branch, expand string
	var skip, limit int

	cmd := &cobra.Command{
		Use:   "artifacts <package>",
		Short: "List the artifacts of a package, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := pageQuery(skip, limit)
			for k, v := range map[string]string{"version": version, "branch": branch, "expand_info": expand} {
				if v != "" {
					query.Set(k, v)
				}
			}
			var artifacts []models.Artifact
			if err := c.getJSON("/packages/"+url.PathEscape(args[0])+"/artifacts", query, false, &artifacts); err != nil {
				return err
			}
			if len(artifacts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No artifacts found.")
				return nil
			}

			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Version", "Branch", "Size", "Modified", "Key", "Info"})
			for _, a := range artifacts {
				size := "-"
				if a.Size > 0 {
					size = humanize.IBytes(uint64(a.Size))
				}
				var info string
				if a.Info != nil {
					raw, _ := json.Marshal(a.Info)
					info = string(raw)
				}
				t.AppendRow(table.Row{a.Version, a.Branch, size, humanize.Time(a.Modified), a.Key, info})
			}
			t.Render()
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&version, "version", "", "only this version")
	f.StringVar(&branch, "branch", "", "only this branch")
	f.StringVar(&expand, "expand-info", "", "comma separated info fields to include")
	f.IntVar(&skip, "skip", 0, "results to skip")
	f.IntVar(&limit, "limit", 0, "maximum results (0 for all)")
	return cmd
}

func listCmd(c *client) *cobra.Command {
	var search, pkgType, sort string
	var skip, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := pageQuery(skip, limit)
			for k, v := range map[string]string{"search": search, "type": pkgType, "sort": sort} {
				if v != "" {
					query.Set(k, v)
				}
			}
			var pkgs []models.Package
			if err := c.getJSON("/packages", query, false, &pkgs); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(pkgs) == 0 {
				fmt.Fprintln(out, "No packages found.")
				return nil
			}
			t := newTable(out)
			t.AppendHeader(table.Row{"Name", "Type", "Latest", "Updated"})
			for _, p := range pkgs {
				updated := "-"
				if p.LatestTimestamp > 0 {
					updated = humanize.Time(time.Unix(p.LatestTimestamp, 0))
				}
				t.AppendRow(table.Row{p.Name, p.Type, p.Latest, updated})
			}
			t.Render()
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&search, "search", "", "substring of the package name")
	f.StringVar(&pkgType, "type", "", "only packages of this type")
	f.StringVar(&sort, "sort", "", "sort column, prefix with - for descending")
	f.IntVar(&skip, "skip", 0, "results to skip")
	f.IntVar(&limit, "limit", 0, "maximum results (0 for all)")
	return cmd
}

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	return t
}

func pageQuery(skip, limit int) url.Values {
	query := url.Values{}
	if skip > 0 {
		query.Set("skip", strconv.Itoa(skip))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return query
}

func deleteCmd(c *client) *cobra.Command {
	var branch string

	cmd := &cobra.Command{
		Use:   "delete <package> [version]",
		Short: "Delete a package with all its artifacts, or a single artifact",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/packages/" + url.PathEscape(args[0])
			query := url.Values{}
			if len(args) == 2 {
				path += "/artifacts"
				query.Set("version", args[1])
				if branch != "" {
					query.Set("branch", branch)
				}
			}

			req, err := c.newRequest(http.MethodDelete, path, query, nil, true)
			if err != nil {
				return err
			}
			if err := c.sendJSON(req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", strings.Join(args, "@"))
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch of the artifact to delete")
	return cmd
}

func tagCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage artifact tags",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <key> <tag>",
		Short: "Tag an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			form := url.Values{"tag": {args[1]}}
			req, err := c.newRequest(http.MethodPost, "/artifacts/"+url.PathEscape(args[0])+"/tags", nil, strings.NewReader(form.Encode()), true)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return printTags(cmd, c, req)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <key> <tag>",
		Short: "Remove a tag from an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/artifacts/" + url.PathEscape(args[0]) + "/tags/" + url.PathEscape(args[1])
			req, err := c.newRequest(http.MethodDelete, path, nil, nil, true)
			if err != nil {
				return err
			}
			return printTags(cmd, c, req)
		},
	})
	return cmd
}

func printTags(cmd *cobra.Command, c *client, req *http.Request) error {
	var a models.Artifact
	if err := c.sendJSON(req, &a); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s@%s tags: %s\n", a.Package, a.Version, strings.Join(a.Tags, ", "))
	return nil
}

func compressCmd(c *client) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "compress",
		Short: "Download a zip of the whole repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := c.newRequest(http.MethodGet, "/compress", nil, nil, true)
			if err != nil {
				return err
			}
			resp, err := c.do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			n, err := saveBody(resp, output, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", output, humanize.IBytes(uint64(n)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "repo.zip", "output file")
	return cmd
}

func expandCmd(c *client) *cobra.Command {
	var empty bool

	cmd := &cobra.Command{
		Use:   "expand <archive.zip>",
		Short: "Restore a repository zip on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, formType, err := multipartForm(url.Values{"empty": {strconv.FormatBool(empty)}}, "file", args[0])
			if err != nil {
				return err
			}
			req, err := c.newRequest(http.MethodPost, "/expand", nil, body, true)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", formType)
			if err := c.sendJSON(req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expanded %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&empty, "empty", false, "wipe the repository before restoring")
	return cmd
}

func gcCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete blobs no artifact references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := c.newRequest(http.MethodPost, "/gc", nil, nil, true)
			if err != nil {
				return err
			}
			var result models.GCResult
			if err := c.sendJSON(req, &result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d blobs, freed %s\n", result.DeletedBlobs, humanize.IBytes(uint64(result.FreedBytes)))
			return nil
		},
	}
}
