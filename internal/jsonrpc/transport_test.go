//go:build !windows

package jsonrpc

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every request in order with {"echo": n}. Notifications
// carry no id and consume no response slot.
const echoServer = `
n=0
while IFS= read -r line; do
  case "$line" in
    *'"id"'*)
      n=$((n+1))
      printf '{"jsonrpc":"2.0","id":%d,"result":{"echo":%d}}\n' "$n" "$n"
      ;;
  esac
done
`

func spawnScript(t *testing.T, script string) *Transport {
	t.Helper()
	tr, err := Spawn("bash", []string{"-c", script}, nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRequestResponseCorrelation(t *testing.T) {
	tr := spawnScript(t, echoServer)

	raw, err := tr.Request("first", map[string]any{}, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":1}`, string(raw))

	// A notification must not consume a response.
	require.NoError(t, tr.Notify("notify", nil))

	raw, err = tr.Request("second", nil, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":2}`, string(raw))
}

func TestConcurrentRequests(t *testing.T) {
	tr := spawnScript(t, echoServer)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := tr.Request("m", nil, 5*time.Second)
			if err == nil {
				results[i] = string(raw)
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, r := range results {
		require.NotEmpty(t, r)
		require.False(t, seen[r], "each awaiter gets its own response")
		seen[r] = true
	}
}

func TestErrorResponse(t *testing.T) {
	tr := spawnScript(t, `
read -r line
printf '{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}\n'
read -r line
`)

	_, err := tr.Request("nope", nil, 5*time.Second)
	require.Error(t, err)
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32601, rpcErr.Code)
	assert.Equal(t, "method not found", rpcErr.Message)
}

func TestRequestTimeout(t *testing.T) {
	tr := spawnScript(t, `while IFS= read -r line; do :; done`)

	start := time.Now()
	_, err := tr.Request("slow", nil, 150*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGarbageLinesDropped(t *testing.T) {
	tr := spawnScript(t, `
read -r line
echo "starting up, not json"
echo ""
printf '{"jsonrpc":"2.0","id":1,"result":"ok"}\n'
read -r line
`)

	raw, err := tr.Request("init", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, strings.TrimSpace(string(raw)))
}

func TestNotificationDispatch(t *testing.T) {
	tr := spawnScript(t, `
printf '{"jsonrpc":"2.0","method":"progress","params":{"pct":40}}\n'
while IFS= read -r line; do :; done
`)

	got := make(chan string, 1)
	tr.OnNotification(func(method string, params json.RawMessage) {
		select {
		case got <- method:
		default:
		}
	})

	select {
	case method := <-got:
		assert.Equal(t, "progress", method)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestStderrCaptured(t *testing.T) {
	tr := spawnScript(t, `
echo "boot diagnostics" >&2
while IFS= read -r line; do :; done
`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(tr.Stderr(), "boot diagnostics") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("stderr not captured, got %q", tr.Stderr())
}

func TestCloseRejectsPending(t *testing.T) {
	tr := spawnScript(t, `while IFS= read -r line; do :; done`)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Request("hang", nil, time.Minute)
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "close is idempotent")

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not rejected on close")
	}

	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after close")
	}

	_, err := tr.Request("late", nil, time.Second)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestSpawnFailureSurfacesImmediately(t *testing.T) {
	_, err := Spawn("/definitely/not/a/binary", nil, nil, "")
	assert.Error(t, err)
}

func TestChildExitClosesDone(t *testing.T) {
	tr := spawnScript(t, `exit 0`)
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("done not closed after child exit")
	}
	assert.NoError(t, tr.ExitErr())
}
