// Command grdemo drives a deferred-shading style frame graph through a
// Manager and prints the per-frame statistics.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gr"
	"github.com/gogpu/gr/backend"
	_ "github.com/gogpu/gr/backend/halgpu"
	_ "github.com/gogpu/gr/backend/soft"
	"github.com/gogpu/gr/gpuobj"
	"github.com/gogpu/gr/rendergraph"
	"github.com/gogpu/gr/stats"

	_ "github.com/gogpu/wgpu/hal/allbackends"
)

func main() {
	var (
		backendName = flag.String("backend", "", "backend to open (hal, soft); empty picks the best")
		frames      = flag.Int("frames", 120, "frames to render, 0 runs until interrupted")
		configPath  = flag.String("config", "", "TOML or YAML config file")
		writeConfig = flag.String("write-config", "", "write the effective config to this file and exit")
		timestamps  = flag.Bool("timestamps", false, "bracket passes with timestamp queries")
		width       = flag.Uint("width", 1280, "render width")
		height      = flag.Uint("height", 720, "render height")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	cfg := gr.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = gr.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *backendName != "" {
		cfg.Backend = *backendName
	}
	if *timestamps {
		cfg.Timestamps = true
	}
	if *writeConfig != "" {
		if err := gr.WriteConfig(*writeConfig, cfg); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		log.Printf("Config written to %s\n", *writeConfig)
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	m, err := gr.NewManager(gr.WithConfig(cfg), gr.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}
	log.Printf("Backend %s, %d frames in flight, %d workers\n",
		m.Backend().Name(), cfg.MaxFramesInFlight, cfg.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s := &scene{width: uint32(*width), height: uint32(*height)}
	if err := s.init(m); err != nil {
		log.Fatalf("Failed to create scene: %v", err)
	}

	var drawn atomic.Uint64
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		for i := 0; *frames == 0 || i < *frames; i++ {
			if gctx.Err() != nil {
				return nil
			}
			if err := s.draw(gctx, m); err != nil {
				return err
			}
			drawn.Add(1)
		}
		return nil
	})
	g.Go(func() error {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-tick.C:
				// Stats is safe to read while frames are recorded; the
				// rest of the manager is not.
				report(drawn.Load(), m.Stats())
			}
		}
	})
	if err := g.Wait(); err != nil {
		log.Printf("Frame loop stopped: %v\n", err)
	}

	if err := s.release(m); err != nil {
		log.Printf("Failed to release scene: %v\n", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Failed to shut down: %v", err)
	}
	report(drawn.Load(), m.Stats())
}

func report(frame uint64, snap stats.Snapshot) {
	log.Printf("frame %d\n%s", frame, snap)
}

// scene owns the persistent resources the frame graph imports.
type scene struct {
	width, height uint32
	backbuffer    gpuobj.TextureHandle
}

func (s *scene) init(m *gr.Manager) error {
	h, err := m.Device().NewTexture(gpuobj.TextureInitInfo{
		Name:   "backbuffer",
		Width:  s.width,
		Height: s.height,
		Format: gputypes.TextureFormatBGRA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return err
	}
	s.backbuffer = h
	return nil
}

func (s *scene) release(m *gr.Manager) error {
	return m.ReleaseTexture(s.backbuffer)
}

func acc(a ...rendergraph.Access) []rendergraph.Access { return a }

// draw records one frame: gbuffer and shadow passes feed lighting, a
// compute histogram reads the lit image and tonemap writes the
// backbuffer.
func (s *scene) draw(ctx context.Context, m *gr.Manager) error {
	if err := m.BeginFrame(ctx); err != nil {
		return err
	}

	color := func(name string, f gputypes.TextureFormat) rendergraph.TextureDesc {
		return rendergraph.TextureDesc{Name: name, Width: s.width, Height: s.height, Format: f}
	}
	albedo, err := m.NewTransientRenderTarget(color("albedo", gputypes.TextureFormatRGBA8Unorm))
	if err != nil {
		return err
	}
	normals, err := m.NewTransientRenderTarget(color("normals", gputypes.TextureFormatRGBA16Float))
	if err != nil {
		return err
	}
	depth, err := m.NewTransientRenderTarget(rendergraph.TextureDesc{
		Name: "depth", Width: s.width, Height: s.height,
		Format: gputypes.TextureFormatDepth32Float, ClearDepth: 1,
	})
	if err != nil {
		return err
	}
	shadow, err := m.NewTransientRenderTarget(rendergraph.TextureDesc{
		Name: "shadow", Width: 2048, Height: 2048,
		Format: gputypes.TextureFormatDepth32Float, ClearDepth: 1,
	})
	if err != nil {
		return err
	}
	hdr, err := m.NewTransientRenderTarget(color("hdr", gputypes.TextureFormatRGBA16Float))
	if err != nil {
		return err
	}
	histogram, err := m.NewTransientBuffer(rendergraph.BufferDesc{Name: "histogram", Size: 256 * 4})
	if err != nil {
		return err
	}
	back, err := m.ImportTexture("backbuffer", s.backbuffer, 0)
	if err != nil {
		return err
	}

	passes := []struct {
		name          string
		queue         backend.QueueType
		reads, writes []rendergraph.Access
	}{
		{"gbuffer", backend.QueueGraphics, nil, acc(
			rendergraph.Write(albedo, rendergraph.UsageColorAttachment),
			rendergraph.Write(normals, rendergraph.UsageColorAttachment),
			rendergraph.Write(depth, rendergraph.UsageDepthWrite))},
		{"shadow", backend.QueueGraphics, nil, acc(
			rendergraph.Write(shadow, rendergraph.UsageDepthWrite))},
		{"lighting", backend.QueueGraphics, acc(
			rendergraph.Read(albedo, rendergraph.UsageSampled),
			rendergraph.Read(normals, rendergraph.UsageSampled),
			rendergraph.Read(depth, rendergraph.UsageSampled),
			rendergraph.Read(shadow, rendergraph.UsageSampled)), acc(
			rendergraph.Write(hdr, rendergraph.UsageColorAttachment))},
		{"histogram", backend.QueueCompute, acc(
			rendergraph.Read(hdr, rendergraph.UsageSampled)), acc(
			rendergraph.Write(histogram, rendergraph.UsageStorageWrite))},
		{"tonemap", backend.QueueGraphics, acc(
			rendergraph.Read(hdr, rendergraph.UsageSampled),
			rendergraph.Read(histogram, rendergraph.UsageStorageRead)), acc(
			rendergraph.Write(back, rendergraph.UsageColorAttachment))},
	}
	for _, p := range passes {
		var fn rendergraph.PassFunc
		if p.name == "lighting" {
			fn = uploadLights
		}
		if err := m.AddPass(p.name, p.queue, p.reads, p.writes, fn); err != nil {
			return err
		}
	}
	return m.EndFrame(ctx)
}

// uploadLights writes the frame's light list to the scratch ring.
func uploadLights(pc *rendergraph.PassContext) error {
	lights := make([]byte, 16*32)
	_, err := pc.Upload(lights, 16)
	return err
}
