package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/onexay/docvs/internal/identity"
	"github.com/onexay/docvs/internal/types"
)

const (
	defaultAPI = "http://localhost:8080"
)

const usage = `usage: docvs-admin [flags] <command> [args]

commands:
  documents                       list documents owned by the user
  branches <documentId>           list branches of a document
  commits <branchId>              list commits of a branch, newest first
  diff <commitId> [branch|-against id]
                                  unified diff against a branch head or commit
  revert <commitId>               append the commit's content to the default branch
  fork <commitId> [title]         create a new document from a commit
  token <userId>                  issue a bearer token (needs AUTH_JWT_SECRET)
`

type client struct {
	api   string
	user  string
	token string
}

func main() {
	api := flag.String("api", envDefault("DOCVS_API", defaultAPI), "Base URL of the docvs REST API")
	user := flag.String("user", envDefault("DOCVS_USER", "admin"), "User id sent in the X-User-ID header")
	token := flag.String("token", os.Getenv("DOCVS_TOKEN"), "Bearer token, used instead of the user header when set")
	against := flag.String("against", "", "Commit id to diff against instead of a branch head")
	ttl := flag.Duration("ttl", 24*time.Hour, "Lifetime of issued tokens")
	dumpJSON := flag.Bool("json", false, "Output JSON instead of table")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := client{api: strings.TrimRight(*api, "/"), user: *user, token: *token}
	cmd, rest := args[0], args[1:]

	var err error
	switch cmd {
	case "documents":
		var docs []types.Document
		if err = c.call(http.MethodGet, "/api/v1/documents", nil, &docs); err == nil {
			err = output(*dumpJSON, docs, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "ID\tTitle\tUpdated\n")
				for _, d := range docs {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Title, d.UpdatedAt.Format(time.RFC3339))
				}
			})
		}

	case "branches":
		requireArgs(rest, 1)
		var branches []types.Branch
		if err = c.call(http.MethodGet, "/api/v1/documents/"+url.PathEscape(rest[0])+"/branches", nil, &branches); err == nil {
			err = output(*dumpJSON, branches, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "ID\tName\tDefault\tCreated\n")
				for _, b := range branches {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", b.ID, b.Name, b.IsDefault, b.CreatedAt.Format(time.RFC3339))
				}
			})
		}

	case "commits":
		requireArgs(rest, 1)
		var commits []types.Commit
		if err = c.call(http.MethodGet, "/api/v1/branches/"+url.PathEscape(rest[0])+"/commits", nil, &commits); err == nil {
			err = output(*dumpJSON, commits, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Commit\tAuthor\tCreated\tMessage\n")
				for _, cm := range commits {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", types.ShortID(cm.ID), cm.AuthorID, cm.CreatedAt.Format(time.RFC3339), cm.Message)
				}
			})
		}

	case "diff":
		requireArgs(rest, 1)
		query := url.Values{"format": {"unified"}}
		if *against != "" {
			query.Set("against", *against)
		} else if len(rest) > 1 {
			query.Set("branch", rest[1])
		}
		var cmp struct {
			Unified string `json:"unified"`
		}
		path := "/api/v1/commits/" + url.PathEscape(rest[0]) + "/diff?" + query.Encode()
		if err = c.call(http.MethodGet, path, nil, &cmp); err == nil {
			fmt.Print(cmp.Unified)
		}

	case "revert":
		requireArgs(rest, 1)
		var commit types.Commit
		if err = c.call(http.MethodPost, "/api/v1/commits/"+url.PathEscape(rest[0])+"/revert", nil, &commit); err == nil {
			fmt.Printf("%s %s\n", types.ShortID(commit.ID), commit.Message)
		}

	case "fork":
		requireArgs(rest, 1)
		body := map[string]string{}
		if len(rest) > 1 {
			body["title"] = strings.Join(rest[1:], " ")
		}
		var res struct {
			DocumentID string `json:"documentId"`
			Title      string `json:"title"`
		}
		if err = c.call(http.MethodPost, "/api/v1/commits/"+url.PathEscape(rest[0])+"/fork", body, &res); err == nil {
			fmt.Printf("%s %s\n", res.DocumentID, res.Title)
		}

	case "token":
		requireArgs(rest, 1)
		secret := os.Getenv("AUTH_JWT_SECRET")
		if secret == "" {
			err = fmt.Errorf("AUTH_JWT_SECRET is not set")
			break
		}
		var signed string
		signed, err = identity.NewJWTProvider(secret, envDefault("AUTH_JWT_ISSUER", "docvs")).Issue(types.UserID(rest[0]), *ttl)
		if err == nil {
			fmt.Println(signed)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func (c client) call(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.api+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.Header.Set(identity.HeaderUserID, c.user)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func output(dumpJSON bool, v any, table func(*tabwriter.Writer)) error {
	if dumpJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func requireArgs(args []string, n int) {
	if len(args) < n {
		flag.Usage()
		os.Exit(2)
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
