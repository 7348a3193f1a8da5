//go:build e2e

package cli

import (
	"cmp"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"
)

// testServer stands in for the rendering service. The artifact is the task
// name and content, so scripts can assert on it.
func testServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /render", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		task, _ := body["task_name"].(string)
		content, _ := body["content"].(string)
		title, _ := body["title"].(string)
		artifact := fmt.Sprintf("%%PDF %s %s\n%s", task, title, content)

		w.Header().Add("content-type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"message": base64.StdEncoding.EncodeToString([]byte(artifact)),
		}); err != nil {
			fmt.Fprintln(w, err.Error())
		}
	})
	mux.HandleFunc("POST /broken", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("content-type", "application/json")
		fmt.Fprintln(w, `{"message": 42}`)
	})

	return httptest.NewServer(mux)
}

func TestScript(t *testing.T) {
	taskpdf := cmp.Or(os.Getenv("TASKPDF"), "taskpdf")
	srv := testServer()
	t.Cleanup(srv.Close)
	endpoint := srv.Listener.Addr().String()

	testscript.Run(t, testscript.Params{
		Dir: ".",
		Setup: func(e *testscript.Env) error {
			e.Vars = append(e.Vars,
				"HTTP_ENDPOINT="+endpoint,
				"TASKPDF="+taskpdf,
			)
			for _, kv := range os.Environ() {
				if strings.HasPrefix(kv, "E2E_") {
					e.Vars = append(e.Vars, kv)
				}
			}
			return nil
		},
		Condition: func(cond string) (bool, error) {
			args := strings.Split(cond, ":")
			name := args[0]
			switch name {
			case "env":
				if len(args) < 2 {
					return false, fmt.Errorf("syntax: [env:SOME_VAR]")
				}
				return os.Getenv(args[1]) != "", nil
			default:
				return false, fmt.Errorf("unknown condition %s", name)
			}
		},
		Cmds: map[string]func(*testscript.TestScript, bool, []string){
			"expand": expandCmd,
		},
		// NB: To quickly update expectations in txtar files, try re-running the tests with
		// E2E_UPDATE=y, for example:
		//   E2E_UPDATE=y go test -tags e2e ./e2e/cli -run TestScript/genpdf -v -count=1
		UpdateScripts: os.Getenv("E2E_UPDATE") != "",
	})
}

// expandCmd replaces $VAR references in files with the script's environment,
// for configuration files that need $WORK or $HTTP_ENDPOINT.
func expandCmd(ts *testscript.TestScript, neg bool, args []string) {
	if neg {
		ts.Fatalf("unsupported: ! expand")
	}
	if len(args) == 0 {
		ts.Fatalf("usage: expand file...")
	}

	for _, name := range args {
		expanded := os.Expand(ts.ReadFile(name), ts.Getenv)
		if err := os.WriteFile(ts.MkAbs(name), []byte(expanded), 0o644); err != nil {
			ts.Fatalf("%v", err)
		}
	}
}
