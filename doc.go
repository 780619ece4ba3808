// Package gr manages GPU frames: a render graph orders the passes of each
// frame, inserts barriers and cross-queue waits, places transient targets
// in aliased memory and records passes in parallel, while frame-in-flight
// slots keep the CPU at most a configured number of frames ahead of the GPU.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/gr"
//	    _ "github.com/gogpu/gr/backend/soft"
//	)
//
//	m, err := gr.NewManager()
//	if err != nil {
//	    return err
//	}
//	defer m.Shutdown(ctx)
//
//	for running {
//	    if err := m.BeginFrame(ctx); err != nil {
//	        return err
//	    }
//	    scene, _ := m.NewTransientRenderTarget(rendergraph.TextureDesc{
//	        Name: "scene", Width: 1920, Height: 1080,
//	        Format: gputypes.TextureFormatRGBA16Float,
//	    })
//	    m.AddPass("opaque", backend.QueueGraphics, nil,
//	        []rendergraph.Access{rendergraph.Write(scene, rendergraph.UsageColorAttachment)},
//	        drawOpaque)
//	    m.AddPass("tonemap", backend.QueueGraphics,
//	        []rendergraph.Access{rendergraph.Read(scene, rendergraph.UsageSampled)},
//	        []rendergraph.Access{rendergraph.Write(swapchain, rendergraph.UsageColorAttachment)},
//	        tonemap)
//	    if err := m.EndFrame(ctx); err != nil && grerr.IsFatal(err) {
//	        return err
//	    }
//	}
//
// # Frame lifecycle
//
// BeginFrame moves to the next frame-in-flight slot, waiting for the GPU to
// finish the frame that used it before. This wait is the only place the
// CPU blocks on the GPU. EndFrame compiles, records and submits the frame
// and returns immediately.
//
// # Architecture
//
// The module is organized into:
//   - gr: Manager, Config, options and logging
//   - rendergraph: pass ordering, aliasing, barriers and parallel recording
//   - transient: scratch ring and per-slot attachment heaps
//   - gpuobj: typed object pools with generation handles
//   - gpusync: fences and timeline semaphores with free-lists
//   - cmdpool: per-thread command buffer pools and chunked queries
//   - backend: the capability interface, with soft and halgpu variants
//
// # Errors
//
// Every error carries a grerr kind. Validation errors abort the current
// frame and leave the manager usable. Backend, Timeout and DeviceLost
// errors are fatal: the manager reports ErrLost from then on.
package gr
