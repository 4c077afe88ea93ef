package gerrit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lattice-ci/conveyor/pkg/types"
	"golang.org/x/crypto/ssh"
)

// dependsOnRe matches a Depends-On trailer in a commit message (spec §4.3
// "commit-depends"), grounded on gerritconnection.py's depends_on_re.
var dependsOnRe = regexp.MustCompile(`(?mi)^Depends-On:\s*(I[0-9a-f]{40})\s*$`)

// sshClient talks to a Gerrit server's SSH command interface for queries
// and review/submit actions, and its REST API for the handful of lookups
// (submitted-together, branch listing) that are far more naturally
// expressed there. Grounded on gerritconnection.py's dual session/paramiko
// transport.
type sshClient struct {
	addr       string
	user       string
	signer     ssh.Signer
	httpClient *http.Client
	baseURL    string

	clientConfig *ssh.ClientConfig
}

// NewSSHClient constructs the real upstreamClient talking to a Gerrit
// server: SSH for queries/review/submit, REST for the handful of lookups
// (submitted-together, branch listing) better expressed that way.
// Exported so callers outside this package (cmd/conveyor) can wire a real
// Source; upstreamClient's methods are intentionally unexported, so the
// caller cannot construct one itself (only the in-package fake used by
// gerrit_test.go can), matching pkg/gitlab's NewRESTClient shape.
func NewSSHClient(addr, user string, signer ssh.Signer, baseURL string) *sshClient {
	return newSSHClient(addr, user, signer, baseURL)
}

// newSSHClient dials nothing yet; connections are established lazily per
// command and not pooled, mirroring the original's reconnect-on-failure
// _ssh() wrapper.
func newSSHClient(addr, user string, signer ssh.Signer, baseURL string) *sshClient {
	return &sshClient{
		addr:       addr,
		user:       user,
		signer:     signer,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clientConfig: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // hosts are pinned via connection config, not host keys
			Timeout:         15 * time.Second,
		},
	}
}

func (c *sshClient) run(ctx context.Context, command string) (string, error) {
	conn, err := ssh.Dial("tcp", c.addr, c.clientConfig)
	if err != nil {
		return "", fmt.Errorf("gerrit: ssh dial: %w", err)
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("gerrit: ssh session: %w", err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("gerrit: ssh command %q: %w", command, err)
		}
		return stdout.String(), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}

type gerritQueryLine struct {
	Number         json.Number `json:"number"`
	CurrentPatchSet struct {
		Number string `json:"number"`
		Revision string `json:"revision"`
	} `json:"currentPatchSet"`
	Project       string `json:"project"`
	Branch        string `json:"branch"`
	Topic         string `json:"topic"`
	Status        string `json:"status"`
	Open          bool   `json:"open"`
	WIP           bool   `json:"wip"`
	CommitMessage string `json:"commitMessage"`
	DependsOn     []struct {
		Number string `json:"number"`
		Revision string `json:"revision"`
	} `json:"dependsOn"`
	NeededBy []struct {
		Number string `json:"number"`
		Revision string `json:"revision"`
	} `json:"neededBy"`
	Patchsets []struct {
		Number   string `json:"number"`
		Revision string `json:"revision"`
	} `json:"patchSets"`
	Approvals []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
		By    struct {
			Username string `json:"username"`
			Email    string `json:"email"`
		} `json:"by"`
		GrantedOn int64 `json:"grantedOn"`
	} `json:"currentPatchSetApprovals"`
	RowCount     *int `json:"rowCount"`
	MoreChanges  bool `json:"moreChanges"`
}

// parseQueryLines splits a `gerrit query --format json` response into its
// change records, discarding the trailing stats line (spec §9 "simpleQuery
// filters blank/stat lines").
func parseQueryLines(out string) ([]gerritQueryLine, error) {
	var lines []gerritQueryLine
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(text, "{") {
			continue
		}
		var l gerritQueryLine
		if err := json.Unmarshal([]byte(text), &l); err != nil {
			return nil, fmt.Errorf("gerrit: parse query line: %w", err)
		}
		if l.RowCount != nil {
			continue // stats line
		}
		lines = append(lines, l)
	}
	return lines, scanner.Err()
}

func toChangeData(l gerritQueryLine) *changeData {
	cd := &changeData{
		Number:   l.Number.String(),
		Patchset: l.CurrentPatchSet.Number,
		Project:  l.Project,
		Branch:   l.Branch,
		Topic:    l.Topic,
		Status:   strings.ToUpper(l.Status),
		WIP:      l.WIP,
		Message:  l.CommitMessage,
		Sha:      l.CurrentPatchSet.Revision,
	}
	if len(l.DependsOn) > 0 {
		cd.GitDependsOn = &depRef{Number: l.DependsOn[0].Number}
	}
	for _, n := range l.NeededBy {
		cd.GitNeededBy = append(cd.GitNeededBy, depRef{Number: n.Number})
	}
	for _, a := range l.Approvals {
		v, _ := strconv.Atoi(a.Value)
		cd.Approvals = append(cd.Approvals, types.Approval{
			Label:     a.Type,
			Value:     v,
			By:        a.By.Username,
			Email:     a.By.Email,
			GrantedAt: time.Unix(a.GrantedOn, 0),
		})
	}
	return cd
}

func (c *sshClient) queryChange(ctx context.Context, number, patchset string) (*changeData, error) {
	q := fmt.Sprintf("change:%s", number)
	out, err := c.run(ctx, fmt.Sprintf("gerrit query --format json --commit-message --current-patch-set --dependencies %s", q))
	if err != nil {
		return nil, err
	}
	lines, err := parseQueryLines(out)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("gerrit: change %s not found", number)
	}
	cd := toChangeData(lines[0])

	if msgDeps := dependsOnRe.FindAllStringSubmatch(cd.Message, -1); len(msgDeps) > 0 {
		seen := make(map[string]bool)
		for _, m := range msgDeps {
			changeID := m[1]
			if seen[changeID] {
				continue
			}
			seen[changeID] = true
			dep, err := c.queryByChangeID(ctx, changeID)
			if err != nil {
				continue // best-effort: an unresolvable Depends-On does not fail the whole refresh
			}
			if dep != nil {
				cd.CommitDependsOn = append(cd.CommitDependsOn, *dep)
			}
		}
	}

	if len(lines) > 0 {
		changeID := extractChangeID(cd.Message)
		if changeID != "" {
			needers, err := c.queryRaw(ctx, fmt.Sprintf("message:{%s}", changeID))
			if err == nil {
				for _, n := range needers {
					if n.Number.String() == cd.Number {
						continue
					}
					if !containsChangeID(n.CommitMessage, changeID) {
						continue
					}
					cd.CommitNeededBy = append(cd.CommitNeededBy, depRef{Number: n.Number.String(), Patchset: n.CurrentPatchSet.Number})
				}
			}
		}
	}

	together, err := c.submittedTogether(ctx, cd.Number)
	if err == nil {
		cd.SubmittedTogether = together
	}

	if files, err := c.listFiles(ctx, cd.Number, cd.Patchset); err == nil {
		cd.Files = files
	}

	return cd, nil
}

func extractChangeID(message string) string {
	m := regexp.MustCompile(`(?m)^Change-Id:\s*(I[0-9a-f]{40})\s*$`).FindStringSubmatch(message)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func containsChangeID(message, changeID string) bool {
	for _, m := range dependsOnRe.FindAllStringSubmatch(message, -1) {
		if m[1] == changeID {
			return true
		}
	}
	return false
}

func (c *sshClient) queryByChangeID(ctx context.Context, changeID string) (*depRef, error) {
	results, err := c.queryRaw(ctx, fmt.Sprintf("change:%s", changeID))
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return &depRef{Number: results[0].Number.String(), Patchset: results[0].CurrentPatchSet.Number}, nil
}

func (c *sshClient) queryRaw(ctx context.Context, query string) ([]gerritQueryLine, error) {
	out, err := c.run(ctx, fmt.Sprintf("gerrit query --format json --commit-message --current-patch-set %s", query))
	if err != nil {
		return nil, err
	}
	return parseQueryLines(out)
}

func (c *sshClient) queryChangesByTopic(ctx context.Context, topic string) ([]*changeData, error) {
	lines, err := c.queryRaw(ctx, fmt.Sprintf("topic:%s status:open", topic))
	if err != nil {
		return nil, err
	}
	out := make([]*changeData, 0, len(lines))
	for _, l := range lines {
		out = append(out, toChangeData(l))
	}
	return out, nil
}

func (c *sshClient) queryOpenChanges(ctx context.Context, project string) ([]*changeData, error) {
	lines, err := c.queryRaw(ctx, fmt.Sprintf("project:%s status:open", project))
	if err != nil {
		return nil, err
	}
	out := make([]*changeData, 0, len(lines))
	for _, l := range lines {
		out = append(out, toChangeData(l))
	}
	return out, nil
}

// submittedTogether uses the REST API (changes/<n>/submitted_together), a
// bundle query Gerrit does not expose over its SSH command interface
// (gerritconnection.py's _getSubmittedTogether requires self.session too).
func (c *sshClient) submittedTogether(ctx context.Context, number string) ([]depRef, error) {
	if c.baseURL == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/changes/"+url.PathEscape(number)+"/submitted_together", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gerrit: submitted_together %s: status %d", number, resp.StatusCode)
	}
	body, err := stripXSSIPrefix(resp.Body)
	if err != nil {
		return nil, err
	}
	var changes []struct {
		Number         int    `json:"_number"`
		CurrentRevNum  string `json:"current_revision_number"`
	}
	if err := json.Unmarshal(body, &changes); err != nil {
		return nil, fmt.Errorf("gerrit: decode submitted_together: %w", err)
	}
	out := make([]depRef, 0, len(changes))
	for _, ch := range changes {
		if strconv.Itoa(ch.Number) == number {
			continue
		}
		out = append(out, depRef{Number: strconv.Itoa(ch.Number), Patchset: ch.CurrentRevNum})
	}
	return out, nil
}

// listFiles uses the REST API (changes/<n>/revisions/<rev>/files) to fetch
// the set of paths touched by a revision, used to compute Change.FilesHash
// for speculative conflict detection (spec §3 "content hash of its
// files"). Best-effort: like submittedTogether, no SSH command interface
// exposes this.
func (c *sshClient) listFiles(ctx context.Context, number, revision string) ([]string, error) {
	if c.baseURL == "" {
		return nil, nil
	}
	rev := revision
	if rev == "" {
		rev = "current"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/changes/"+url.PathEscape(number)+"/revisions/"+url.PathEscape(rev)+"/files", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gerrit: list files %s: status %d", number, resp.StatusCode)
	}
	body, err := stripXSSIPrefix(resp.Body)
	if err != nil {
		return nil, err
	}
	var files map[string]json.RawMessage
	if err := json.Unmarshal(body, &files); err != nil {
		return nil, fmt.Errorf("gerrit: decode files %s: %w", number, err)
	}
	out := make([]string, 0, len(files))
	for path := range files {
		if path == "/COMMIT_MSG" {
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

// stripXSSIPrefix removes Gerrit's ")]}'\n" anti-XSSI prefix from a REST
// response body before JSON-decoding it.
func stripXSSIPrefix(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(body, []byte(")]}'")) {
		if idx := bytes.IndexByte(body, '\n'); idx >= 0 {
			return body[idx+1:], nil
		}
	}
	return body, nil
}

func (c *sshClient) queryProjectBranches(ctx context.Context, project string, minLtime int64) ([]string, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("gerrit: queryProjectBranches requires REST access")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/projects/"+url.PathEscape(project)+"/branches/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gerrit: branches %s: status %d", project, resp.StatusCode)
	}
	body, err := stripXSSIPrefix(resp.Body)
	if err != nil {
		return nil, err
	}
	var branches []struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(body, &branches); err != nil {
		return nil, fmt.Errorf("gerrit: decode branches: %w", err)
	}
	out := make([]string, 0, len(branches))
	for _, b := range branches {
		out = append(out, strings.TrimPrefix(b.Ref, "refs/heads/"))
	}
	return out, nil
}

// getRefSha shells out to the server's own git repository rather than
// querying the change API, since a branch head or tag may have no
// associated open change (spec §6 "getRefSha(project, ref) → sha").
func (c *sshClient) getRefSha(ctx context.Context, project, ref string) (string, error) {
	out, err := c.run(ctx, fmt.Sprintf("git --git-dir=%s.git rev-parse %s", project, ref))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *sshClient) getGitURL(project string) (string, error) {
	return fmt.Sprintf("ssh://%s@%s/%s", c.user, c.addr, project), nil
}

func (c *sshClient) review(ctx context.Context, number, patchset, message string, labels map[string]int) error {
	cmd := fmt.Sprintf("gerrit review %s,%s --message %s", number, patchset, shellQuote(message))
	for label, value := range labels {
		cmd += fmt.Sprintf(" --label %s=%+d", label, value)
	}
	_, err := c.run(ctx, cmd)
	return err
}

func (c *sshClient) submit(ctx context.Context, number, patchset string) error {
	_, err := c.run(ctx, fmt.Sprintf("gerrit review %s,%s --submit", number, patchset))
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
