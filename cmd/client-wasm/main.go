//go:build js && wasm

// Command client-wasm compiles the browser-side half of note sync to
// WebAssembly: a CRDT replica, the reorder buffer that restores strict seq
// order out of a WebSocket's frame stream, and relative-position resolution
// for awareness cursors. JavaScript drives it entirely through js.FuncOf
// wrappers registered on a global object, the same registry-by-id shape the
// OT bridge this replaces used for its OpSeq handles.
package main

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"syscall/js"

	"github.com/noteboard/noteboard/internal/clientseq"
	"github.com/noteboard/noteboard/internal/crdt"
	"github.com/noteboard/noteboard/internal/protocol"
)

type client struct {
	replica *crdt.Replica
	seq     *clientseq.Buffer
	id      uint32
}

var (
	registryMu sync.Mutex
	registry   = make(map[int]*client)
	nextHandle = 0
)

func store(c *client) int {
	registryMu.Lock()
	defer registryMu.Unlock()
	nextHandle++
	registry[nextHandle] = c
	return nextHandle
}

func lookup(handle int) *client {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[handle]
}

func drop(handle int) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, handle)
}

// wrapClient builds the JS-facing object for one client handle.
func wrapClient(handle int, c *client) js.Value {
	obj := make(map[string]interface{})
	obj["handle"] = handle

	obj["text"] = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		return c.replica.Text()
	})

	// insert(pos, text) -> base64 update bytes to send as a yjs_update frame
	obj["insert"] = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		if len(args) < 2 {
			return nil
		}
		pos := args[0].Int()
		text := args[1].String()
		op := c.replica.BuildInsert(c.id, pos, text)
		return encodeOps(c.replica, op)
	})

	// delete(start, end) -> base64 update bytes
	obj["delete"] = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		if len(args) < 2 {
			return nil
		}
		op := c.replica.BuildDelete(c.id, args[0].Int(), args[1].Int())
		return encodeOps(c.replica, op)
	})

	// ingest(frameJSON) -> {text: string, appliedCount: int}
	// Feeds one inbound WebSocket frame through the reorder buffer, applies
	// whatever comes out ready in order, and reports the resulting text.
	obj["ingest"] = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		if len(args) == 0 {
			return nil
		}
		var frame protocol.Frame
		if err := json.Unmarshal([]byte(args[0].String()), &frame); err != nil {
			return jsErr("invalid frame json: " + err.Error())
		}

		ready := c.seq.Ingest(&frame)
		for _, f := range ready {
			if f.Type == protocol.KindYjsUpdate && f.Update != nil {
				c.replica.Apply(f.Update)
			}
		}

		result := make(map[string]interface{})
		result["text"] = c.replica.Text()
		result["appliedCount"] = len(ready)
		return js.ValueOf(result)
	})

	// onGap(callback) registers the resync callback invoked when the reorder
	// buffer gives up on a gap; callback takes no arguments.
	obj["onGap"] = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		if len(args) == 0 {
			return nil
		}
		cb := args[0]
		c.seq.OnGap = func(error) {
			cb.Invoke()
		}
		return nil
	})

	// positionToRelative(pos) -> JSON-encoded RelPos, for embedding in
	// an outbound awareness_update.
	obj["positionToRelative"] = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		if len(args) == 0 {
			return nil
		}
		rel := c.replica.PositionToRelative(args[0].Int())
		data, err := json.Marshal(rel)
		if err != nil {
			return jsErr(err.Error())
		}
		return string(data)
	})

	// resolvePosition(relJSON) -> absolute offset, or -1 if unresolved (the
	// caller should skip rendering this cursor and retry on the next update).
	obj["resolvePosition"] = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		if len(args) == 0 {
			return -1
		}
		var rel crdt.RelPos
		if err := json.Unmarshal([]byte(args[0].String()), &rel); err != nil {
			return -1
		}
		pos, ok := c.replica.ResolvePosition(rel)
		if !ok {
			return -1
		}
		return pos
	})

	obj["close"] = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		c.seq.Close()
		drop(handle)
		return nil
	})

	return js.ValueOf(obj)
}

func encodeOps(r *crdt.Replica, op crdt.Op) interface{} {
	data, err := crdt.EncodeUpdate([]crdt.Op{op})
	if err != nil {
		return jsErr(err.Error())
	}
	return base64.StdEncoding.EncodeToString(data)
}

func jsErr(msg string) map[string]interface{} {
	return map[string]interface{}{"error": msg}
}

func main() {
	ctor := make(map[string]interface{})

	// NoteSession.new(stateB64, seq, clientId) builds a client seeded from a
	// yjs_sync frame's full state, ready to ingest further frames.
	ctor["new"] = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		if len(args) < 3 {
			return jsErr("new(stateB64, seq, clientId) requires 3 arguments")
		}
		state, err := base64.StdEncoding.DecodeString(args[0].String())
		if err != nil {
			return jsErr("invalid base64 state: " + err.Error())
		}
		syncSeq := args[1].Int()
		clientID := uint32(args[2].Int())

		replica := crdt.New()
		if len(state) > 0 {
			if err := replica.Apply(state); err != nil {
				return jsErr("apply initial state: " + err.Error())
			}
		}

		c := &client{replica: replica, seq: clientseq.New(syncSeq), id: clientID}
		handle := store(c)
		return wrapClient(handle, c)
	})

	js.Global().Set("NoteSession", js.ValueOf(ctor))

	println("note session wasm module loaded")
	<-make(chan struct{})
}
