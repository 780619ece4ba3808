package gpuobj

import (
	"fmt"
	"sync/atomic"
)

// ID is a process-unique object identifier. IDs are never reused.
type ID uint64

var lastID atomic.Uint64

// NextID returns a fresh ID.
func NextID() ID { return ID(lastID.Add(1)) }

// Kind tags the type of a GPU object.
type Kind uint8

const (
	KindBuffer Kind = iota + 1
	KindTexture
	KindSampler
	KindShader
	KindPipeline
	KindQuery
	KindFence
	KindSemaphore
	KindCommandBuffer

	kindCount
)

var kindNames = [...]string{
	KindBuffer:        "buffer",
	KindTexture:       "texture",
	KindSampler:       "sampler",
	KindShader:        "shader",
	KindPipeline:      "pipeline",
	KindQuery:         "query",
	KindFence:         "fence",
	KindSemaphore:     "semaphore",
	KindCommandBuffer: "command buffer",
}

func (k Kind) String() string {
	if k > 0 && k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Object is the header embedded by every GPU object. It is initialized
// once by Init and its id and kind never change afterwards.
type Object struct {
	id      ID
	kind    Kind
	name    string
	lastUse atomic.Uint64
}

// Init assigns a fresh id. It must be called exactly once, before the
// object is shared.
func (o *Object) Init(kind Kind, name string) {
	o.id = NextID()
	o.kind = kind
	o.name = name
}

// ID returns the unique object id.
func (o *Object) ID() ID { return o.id }

// Kind returns the object kind.
func (o *Object) Kind() Kind { return o.kind }

// Name returns the debug name.
func (o *Object) Name() string { return o.name }

// MarkUsed records that GPU work of frame serial references the object.
// The recorded value only grows.
func (o *Object) MarkUsed(serial uint64) {
	for {
		cur := o.lastUse.Load()
		if serial <= cur || o.lastUse.CompareAndSwap(cur, serial) {
			return
		}
	}
}

// LastUse returns the latest frame serial that referenced the object.
func (o *Object) LastUse() uint64 { return o.lastUse.Load() }

func (o *Object) String() string {
	if o.name == "" {
		return fmt.Sprintf("%s#%d", o.kind, o.id)
	}
	return fmt.Sprintf("%s#%d(%s)", o.kind, o.id, o.name)
}
