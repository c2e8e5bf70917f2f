package harness

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunWithGolden executes a scenario and compares its transcript against
// testdata/<name>.golden. Regenerate goldens with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario) {
	t.Helper()

	res, err := Run(sc)
	if err != nil {
		t.Fatalf("scenario %s: %v", sc.Name, err)
	}
	for _, msg := range res.Errors {
		t.Errorf("scenario %s: %s", sc.Name, msg)
	}

	g := goldie.New(t)
	g.Assert(t, sc.Name, []byte(strings.Join(res.Transcript, "\n")+"\n"))
}
