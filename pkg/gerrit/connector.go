package gerrit

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/types"
	"golang.org/x/crypto/ssh"
)

// streamEvent is the subset of a Gerrit `stream-events` JSON line this
// connector needs to build a source.Event, grounded on
// gerritconnection.py's GerritEventHandler / event-type dispatch.
type streamEvent struct {
	Type    string `json:"type"`
	Change  *struct {
		Project string `json:"project"`
		Branch  string `json:"branch"`
		Number  json.Number `json:"number"`
	} `json:"change"`
	PatchSet *struct {
		Number string `json:"number"`
	} `json:"patchSet"`
	RefUpdate *struct {
		Project string `json:"project"`
		RefName string `json:"refName"`
		NewRev  string `json:"newRev"`
	} `json:"refUpdate"`
	Approvals []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"approvals"`
}

// Connector watches a Gerrit server's `stream-events` SSH command and
// translates each line into an internal trigger event enqueued on this
// connection's event queue (spec §4.3 "translate native events to internal
// trigger events"). Grounded on gerritconnection.py's GerritSSHEventListener
// reconnect-on-failure loop.
type Connector struct {
	src     *Source
	addr    string
	config  *ssh.ClientConfig
	backoff func(attempt int) time.Duration
}

// NewConnector builds a stream-events watcher for src. config's User, Auth
// and HostKeyCallback should already be set up from the connection's
// configured credential.
func NewConnector(src *Source, addr string, config *ssh.ClientConfig) *Connector {
	return &Connector{
		src:    src,
		addr:   addr,
		config: config,
		backoff: func(attempt int) time.Duration {
			d := time.Duration(attempt) * time.Second
			if d > 30*time.Second {
				d = 30 * time.Second
			}
			if d < time.Second {
				d = time.Second
			}
			return d
		},
	}
}

// Run connects, streams events, translates and enqueues them until ctx is
// cancelled, reconnecting with backoff on any connection loss (spec §7
// "transient upstream failure" policy applied to the event stream itself).
func (c *Connector) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.watchOnce(ctx); err != nil {
			attempt++
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
			continue
		}
		attempt = 0
	}
}

func (c *Connector) watchOnce(ctx context.Context) error {
	conn, err := ssh.Dial("tcp", c.addr, c.config)
	if err != nil {
		return err
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	if err := session.Start("gerrit stream-events"); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue // malformed line from the stream, skip it
		}
		translated, ok := c.translate(ev)
		if !ok {
			continue
		}
		if _, err := c.src.queue.Put(translated, nil); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// translate converts one stream-events line into the internal source.Event
// shape; ok is false for event types this driver does not surface as
// triggers (e.g. topic-changed).
func (c *Connector) translate(ev streamEvent) (source.Event, bool) {
	switch ev.Type {
	case "patchset-created", "comment-added", "change-merged", "change-abandoned", "change-restored", "wip-state-changed":
		if ev.Change == nil {
			return source.Event{}, false
		}
		patchset := ""
		if ev.PatchSet != nil {
			patchset = ev.PatchSet.Number
		}
		out := source.Event{
			Connection: c.src.Name(),
			EventKind:  ev.Type,
			Project:    ev.Change.Project,
			Ref:        ev.Change.Branch,
			Key: types.ChangeKey{
				Connection: c.src.Name(),
				Project:    ev.Change.Project,
				Kind:       types.KindReview,
				StableID:   ev.Change.Number.String(),
				Revision:   patchset,
			},
		}
		for _, a := range ev.Approvals {
			out.Approvals = append(out.Approvals, types.Approval{Label: a.Type})
		}
		return out, true
	case "ref-updated":
		if ev.RefUpdate == nil {
			return source.Event{}, false
		}
		return source.Event{
			Connection: c.src.Name(),
			EventKind:  ev.Type,
			Project:    ev.RefUpdate.Project,
			Ref:        ev.RefUpdate.RefName,
			Key: types.ChangeKey{
				Connection: c.src.Name(),
				Project:    ev.RefUpdate.Project,
				Kind:       refKind(ev.RefUpdate.RefName),
				StableID:   ev.RefUpdate.RefName,
			},
		}, true
	default:
		return source.Event{}, false
	}
}

func refKind(ref string) types.ChangeKind {
	switch {
	case strings.HasPrefix(ref, "refs/heads/"):
		return types.KindBranch
	case strings.HasPrefix(ref, "refs/tags/"):
		return types.KindTag
	default:
		return types.KindRef
	}
}
