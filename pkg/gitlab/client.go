package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// dependsOnRe matches a cross-project Depends-On trailer in a merge
// request's description, GitLab's closest analogue to Gerrit's native
// Depends-On field: "Depends-On: <project>!<iid>".
var dependsOnRe = regexp.MustCompile(`(?mi)^Depends-On:\s*([\w./-]+)!(\d+)\s*$`)

// restClient talks to a GitLab server's REST v4 API.
type restClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newRESTClient(baseURL, token string, httpClient *http.Client) *restClient {
	return &restClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// mrData is the subset of a GitLab merge request this driver consumes.
type mrData struct {
	IID            int
	Project        string
	SourceBranch   string
	TargetBranch   string
	Title          string
	Description    string
	State          string // "opened", "merged", "closed"
	WorkInProgress bool
	Sha            string
	Approvals      []approvalData
	MergeStatus    string // "can_be_merged", "cannot_be_merged"
	Files          []string
}

type approvalData struct {
	By        string
	Email     string
	GrantedAt string
}

func (c *restClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gitlab: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v4"+path, reader)
	if err != nil {
		return fmt.Errorf("gitlab: build request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gitlab: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gitlab: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func projectPath(project string) string {
	return url.PathEscape(project)
}

// getMergeRequest fetches one MR by project and IID.
func (c *restClient) getMergeRequest(ctx context.Context, project string, iid int) (*mrData, error) {
	var raw struct {
		IID            int    `json:"iid"`
		SourceBranch   string `json:"source_branch"`
		TargetBranch   string `json:"target_branch"`
		Title          string `json:"title"`
		Description    string `json:"description"`
		State          string `json:"state"`
		WorkInProgress bool   `json:"work_in_progress"`
		SHA            string `json:"sha"`
		MergeStatus    string `json:"merge_status"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%s/merge_requests/%d", projectPath(project), iid), nil, &raw); err != nil {
		return nil, err
	}

	var approvals []struct {
		User struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	_ = c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%s/merge_requests/%d/approvals", projectPath(project), iid), nil, &struct {
		ApprovedBy *[]struct {
			User struct {
				Username string `json:"username"`
			} `json:"user"`
		} `json:"approved_by"`
	}{ApprovedBy: &approvals})

	data := &mrData{
		IID:            raw.IID,
		Project:        project,
		SourceBranch:   raw.SourceBranch,
		TargetBranch:   raw.TargetBranch,
		Title:          raw.Title,
		Description:    raw.Description,
		State:          raw.State,
		WorkInProgress: raw.WorkInProgress,
		Sha:            raw.SHA,
		MergeStatus:    raw.MergeStatus,
	}
	for _, a := range approvals {
		data.Approvals = append(data.Approvals, approvalData{By: a.User.Username})
	}
	if files, err := c.listChangedFiles(ctx, project, raw.IID); err == nil {
		data.Files = files
	}
	return data, nil
}

// listChangedFiles fetches the set of paths touched by a merge request
// (GitLab's "/changes" sub-resource), used to compute Change.FilesHash for
// speculative conflict detection (spec §3 "content hash of its files").
func (c *restClient) listChangedFiles(ctx context.Context, project string, iid int) ([]string, error) {
	var raw struct {
		Changes []struct {
			NewPath string `json:"new_path"`
		} `json:"changes"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%s/merge_requests/%d/changes", projectPath(project), iid), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw.Changes))
	for _, ch := range raw.Changes {
		out = append(out, ch.NewPath)
	}
	return out, nil
}

// listOpenMergeRequests lists every open MR targeting project.
func (c *restClient) listOpenMergeRequests(ctx context.Context, project string) ([]*mrData, error) {
	var raw []struct {
		IID int `json:"iid"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%s/merge_requests?state=opened", projectPath(project)), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]*mrData, 0, len(raw))
	for _, r := range raw {
		data, err := c.getMergeRequest(ctx, project, r.IID)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out, nil
}

// listBranches lists every branch in project.
func (c *restClient) listBranches(ctx context.Context, project string) ([]string, error) {
	var raw []struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%s/repository/branches", projectPath(project)), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, b := range raw {
		out = append(out, b.Name)
	}
	return out, nil
}

// getRefSha resolves ref to its current commit sha.
func (c *restClient) getRefSha(ctx context.Context, project, ref string) (string, error) {
	var raw struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%s/repository/commits/%s", projectPath(project), url.PathEscape(ref)), nil, &raw); err != nil {
		return "", err
	}
	return raw.ID, nil
}

func (c *restClient) getGitURL(project string) (string, error) {
	return fmt.Sprintf("%s/%s.git", c.baseURL, project), nil
}

// postNote leaves a comment on the merge request.
func (c *restClient) postNote(ctx context.Context, project string, iid int, body string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%s/merge_requests/%d/notes", projectPath(project), iid),
		map[string]string{"body": body}, nil)
}

// setCommitStatus posts a pipeline status against the MR's head sha
// (GitLab's closest equivalent to Gerrit's Verified label), grounded on
// the same "vote alongside the message" shape as pkg/gerrit.report.go.
func (c *restClient) setCommitStatus(ctx context.Context, project, sha, state, description string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/projects/%s/statuses/%s?state=%s&description=%s",
		projectPath(project), sha, state, url.QueryEscape(description)), nil, nil)
}

// mergeMergeRequest accepts the MR (spec §4.7 phase-2 "attempt the
// upstream submit").
func (c *restClient) mergeMergeRequest(ctx context.Context, project string, iid int) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/projects/%s/merge_requests/%d/merge", projectPath(project), iid), nil, nil)
}

// dependsOnTrailers extracts every Depends-On trailer from an MR
// description.
func dependsOnTrailers(description string) [][2]string {
	matches := dependsOnRe.FindAllStringSubmatch(description, -1)
	out := make([][2]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, [2]string{m[1], m[2]})
	}
	return out
}

func parseIID(s string) (int, error) {
	return strconv.Atoi(s)
}
