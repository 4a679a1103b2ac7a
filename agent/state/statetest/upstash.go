// Package statetest provides an in-process stand-in for the Upstash Redis REST API.
package statetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// Token is the bearer token the fake server accepts.
const Token = "token"

// UpstashServer implements the Redis commands the session store issues, over the
// Upstash REST shapes: single commands on "/", batches on "/pipeline" and "/multi-exec".
// Expiry options are accepted and ignored.
type UpstashServer struct {
	*httptest.Server

	mu       sync.Mutex
	strings  map[string]string
	lists    map[string][]string
	commands [][]any
}

// NewUpstashServer starts a fake server that is closed when the test ends.
func NewUpstashServer(t testing.TB) *UpstashServer {
	t.Helper()
	f := &UpstashServer{strings: map[string]string{}, lists: map[string][]string{}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// Commands returns a copy of every command received, in order.
func (f *UpstashServer) Commands() [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]any(nil), f.commands...)
}

// Get reads a string key directly.
func (f *UpstashServer) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.strings[key]
	return v, ok
}

// Set writes a string key directly.
func (f *UpstashServer) Set(key, value string) {
	f.mu.Lock()
	f.strings[key] = value
	f.mu.Unlock()
}

func (f *UpstashServer) serve(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if r.Header.Get("Authorization") != "Bearer "+Token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/pipeline" || r.URL.Path == "/multi-exec" {
		var cmds [][]any
		if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		out := make([]map[string]any, 0, len(cmds))
		for _, c := range cmds {
			out = append(out, f.reply(c))
		}
		_ = json.NewEncoder(w).Encode(out)
		return
	}

	var cmd []any
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode(f.reply(cmd))
}

func (f *UpstashServer) reply(cmd []any) map[string]any {
	res, err := f.run(cmd)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{"result": res}
}

func (f *UpstashServer) run(cmd []any) (any, error) {
	f.commands = append(f.commands, cmd)
	if len(cmd) < 2 {
		return nil, fmt.Errorf("ERR wrong number of arguments")
	}
	key := fmt.Sprint(cmd[1])

	switch cmd[0] {
	case "SET":
		for _, opt := range cmd[3:] {
			if opt == "NX" {
				if _, ok := f.strings[key]; ok {
					return nil, nil
				}
			}
		}
		f.strings[key] = fmt.Sprint(cmd[2])
		return "OK", nil
	case "GET":
		v, ok := f.strings[key]
		if !ok {
			return nil, nil
		}
		return v, nil
	case "DEL":
		_, s := f.strings[key]
		_, l := f.lists[key]
		delete(f.strings, key)
		delete(f.lists, key)
		if s || l {
			return 1, nil
		}
		return 0, nil
	case "RPUSH":
		for _, v := range cmd[2:] {
			f.lists[key] = append(f.lists[key], fmt.Sprint(v))
		}
		return len(f.lists[key]), nil
	case "LLEN":
		return len(f.lists[key]), nil
	case "LRANGE":
		start, err := intArg(cmd, 2)
		if err != nil {
			return nil, err
		}
		stop, err := intArg(cmd, 3)
		if err != nil {
			return nil, err
		}
		return lrange(f.lists[key], start, stop), nil
	case "EXPIRE":
		return 1, nil
	case "EVAL":
		return f.compareAndDelete(cmd)
	}
	return nil, fmt.Errorf("ERR unknown command %v", cmd[0])
}

// compareAndDelete serves the lease release script: EVAL <script> 1 <key> <token>.
func (f *UpstashServer) compareAndDelete(cmd []any) (any, error) {
	if len(cmd) != 5 {
		return nil, fmt.Errorf("ERR unsupported EVAL shape")
	}
	key, token := fmt.Sprint(cmd[3]), fmt.Sprint(cmd[4])
	if v, ok := f.strings[key]; ok && v == token {
		delete(f.strings, key)
		return 1, nil
	}
	return 0, nil
}

func intArg(cmd []any, i int) (int, error) {
	if len(cmd) <= i {
		return 0, fmt.Errorf("ERR wrong number of arguments")
	}
	switch v := cmd[i].(type) {
	case float64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	}
	return 0, fmt.Errorf("ERR value is not an integer")
}

func lrange(list []string, start, stop int) []string {
	n := len(list)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}
	}
	return append([]string{}, list[start:stop+1]...)
}
