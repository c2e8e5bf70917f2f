package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/tandem/internal/connect"
	"github.com/roach88/tandem/internal/directory"
	"github.com/roach88/tandem/internal/docsync"
	"github.com/roach88/tandem/internal/fault"
	"github.com/roach88/tandem/internal/logbuf"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/session"
	"github.com/roach88/tandem/internal/share"
	"github.com/roach88/tandem/internal/store"
)

// Result is the outcome of one scenario run: the transcript, one line
// per step, and any expectation mismatches.
type Result struct {
	Pass       bool
	Transcript []string
	Errors     []string
}

func (r *Result) addError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// actors is one user's view of the system.
type actors struct {
	dir     *directory.Directory
	connect *connect.Service
	docs    *docsync.Service
	share   *share.Service
}

// env wires a fresh in-memory store with per-user service sets and
// sequential ids, so transcripts are fully deterministic.
type env struct {
	store *store.Store
	logs  *logbuf.Service
	users map[string]*actors
	saved map[string]string
}

type seqIDs struct{ n int }

func (g *seqIDs) NewID() string {
	g.n++
	return fmt.Sprintf("id-%03d", g.n)
}

func newEnv(userIDs []string) (*env, error) {
	logs := logbuf.New(nil)
	s, err := store.Open(":memory:",
		store.WithIDGenerator(&seqIDs{}),
		store.WithLogger(logs.Logger()))
	if err != nil {
		return nil, err
	}
	e := &env{
		store: s,
		logs:  logs,
		users: map[string]*actors{},
		saved: map[string]string{},
	}
	log := logs.Logger()
	for _, uid := range userIDs {
		sess := session.Static(uid)
		dir := directory.New(s, sess, log)
		docs := docsync.New(s, sess, log)
		e.users[uid] = &actors{
			dir:     dir,
			connect: connect.New(s, sess, docs, log),
			docs:    docs,
			share:   share.New(s, sess, dir, docs, log),
		}
		if err := dir.EnsureProfile(uid+"@example.com", uid, ""); err != nil {
			s.Close()
			return nil, fmt.Errorf("register %s: %w", uid, err)
		}
	}
	return e, nil
}

// Run executes the scenario and returns its transcript.
func Run(sc *Scenario) (*Result, error) {
	e, err := newEnv(sc.Users)
	if err != nil {
		return nil, err
	}
	defer e.store.Close()

	res := &Result{Pass: true}
	for i, step := range sc.Steps {
		line, err := e.runStep(i+1, step)
		res.Transcript = append(res.Transcript, line)

		got := ""
		if err != nil {
			got = string(fault.KindOf(err))
			if got == "" {
				got = err.Error()
			}
		}
		if got != step.ExpectError {
			if step.ExpectError == "" {
				res.addError(fmt.Sprintf("step %d (%s %s): unexpected error: %v",
					i+1, step.As, step.Op, err))
			} else {
				res.addError(fmt.Sprintf("step %d (%s %s): want error %q, got %q",
					i+1, step.As, step.Op, step.ExpectError, got))
			}
		}
	}
	return res, nil
}

// runStep executes one step and renders its transcript line:
//
//	03 bob share.claim share=id-002 -> error kind=stale
func (e *env) runStep(n int, step Step) (string, error) {
	args := e.resolveArgs(step.Args)
	result, err := e.dispatch(step, args)

	var b strings.Builder
	fmt.Fprintf(&b, "%02d %s %s", n, step.As, step.Op)
	for _, k := range sortedKeys(args) {
		fmt.Fprintf(&b, " %s=%s", k, args[k])
	}
	if err != nil {
		kind := fault.KindOf(err)
		if kind == "" {
			fmt.Fprintf(&b, " -> error %v", err)
		} else {
			fmt.Fprintf(&b, " -> error kind=%s", kind)
		}
	} else {
		b.WriteString(" -> ok")
		if result != "" {
			b.WriteByte(' ')
			b.WriteString(result)
		}
	}
	return b.String(), err
}

// dispatch runs the operation and returns extra transcript detail for
// read operations.
func (e *env) dispatch(step Step, args map[string]string) (string, error) {
	u, ok := e.users[step.As]
	if !ok {
		return "", fmt.Errorf("unknown user %q", step.As)
	}
	ctx := context.Background()

	switch step.Op {
	case "connect.request":
		return "", u.connect.Request(args["target"])
	case "connect.respond":
		return "", u.connect.Respond(args["other"], connect.Action(args["action"]))

	case "docs.create":
		id, err := u.docs.Create(args["title"])
		if err != nil {
			return "", err
		}
		e.save(step.Save, id)
		return "id=" + id, nil
	case "docs.write":
		return "", u.docs.WriteText(args["doc"], args["text"])
	case "docs.read":
		doc, err := u.docs.Read(args["doc"])
		if err != nil {
			return "", err
		}
		if doc == nil {
			return "absent", nil
		}
		return renderDoc(doc), nil
	case "docs.delete":
		return "", u.docs.Delete(args["doc"])

	case "shared.write":
		return "", u.docs.WriteSharedText(args["other"], args["text"])
	case "shared.read":
		doc, err := u.docs.ReadShared(args["other"])
		if err != nil {
			return "", err
		}
		if doc == nil {
			return "absent", nil
		}
		return fmt.Sprintf("text=%q version=%d lastEditedBy=%s",
			doc.Text, doc.Version, doc.LastEditedBy), nil

	case "share.request":
		id, err := u.share.Request(args["doc"], args["email"])
		if err != nil {
			return "", err
		}
		e.save(step.Save, id)
		return "id=" + id, nil
	case "share.respond":
		return "", u.share.Respond(args["share"], share.Action(args["action"]))
	case "share.claim":
		return "", u.share.Claim(ctx, args["share"])

	case "users.lookup":
		user, err := u.dir.LookupByEmail(args["email"])
		if err != nil {
			return "", err
		}
		return "id=" + user.ID, nil

	default:
		return "", fmt.Errorf("unknown op %q", step.Op)
	}
}

func renderDoc(doc *model.Doc) string {
	editors := make([]string, 0, len(doc.EditorMap))
	for uid, ok := range doc.EditorMap {
		if ok {
			editors = append(editors, uid)
		}
	}
	sort.Strings(editors)
	return fmt.Sprintf("text=%q version=%d editors=[%s]",
		doc.Text, doc.Version, strings.Join(editors, " "))
}

func (e *env) save(name, id string) {
	if name != "" {
		e.saved[name] = id
	}
}

// resolveArgs substitutes "$name" references with saved results.
func (e *env) resolveArgs(args map[string]string) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		if strings.HasPrefix(v, "$") {
			if saved, ok := e.saved[v[1:]]; ok {
				v = saved
			}
		}
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
