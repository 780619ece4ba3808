// Package backend defines the GPU capability interface gr runs on.
//
// A Backend creates native objects (buffers, textures, heaps, shaders,
// pipelines, query pools, timelines, command buffers) and submits work to
// one of three queues. The render graph, allocators and factories above it
// never see a native API.
//
// # Backend Registration
//
// Backend packages register themselves from init():
//
//	import _ "github.com/gogpu/gr/backend/soft"
//	import _ "github.com/gogpu/gr/backend/halgpu"
//
// # Backend Selection
//
// Default returns the highest-priority registered backend (HAL before the
// CPU backend); Get requests one by name. Open does the lookup and Init in
// one step:
//
//	b, err := backend.Open("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
// # Synchronization model
//
// Fences and semaphores are timelines: the GPU signals increasing values
// and the host waits for a value. A Submission waits for semaphore values
// before running, then signals semaphores and its fence.
package backend
