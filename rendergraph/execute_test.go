package rendergraph

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gr/backend"
	"github.com/gogpu/gr/backend/soft"
	"github.com/gogpu/gr/cmdpool"
	"github.com/gogpu/gr/grerr"
	"github.com/gogpu/gr/transient"
)

func commands(cb *cmdpool.CommandBuffer) []soft.Command {
	return cb.Native().(*soft.CommandBuffer).Commands()
}

func TestExecuteRecordsBarriersAndRenderPasses(t *testing.T) {
	r := newRig(t)
	scene, err := r.g.NewTransientRenderTarget(TextureDesc{
		Name: "scene", Width: 64, Height: 64, Format: gputypes.TextureFormatRGBA8Unorm,
		ClearColor: gputypes.ColorBlue,
	})
	require.NoError(t, err)
	depth, err := r.g.NewTransientRenderTarget(TextureDesc{
		Name: "depth", Width: 64, Height: 64, Format: gputypes.TextureFormatDepth24Plus, ClearDepth: 1,
	})
	require.NoError(t, err)

	var drew atomic.Int32
	draw := func(pc *PassContext) error {
		pc.CommandBuffer.Draw(3, 1, 0, 0)
		drew.Add(1)
		return nil
	}
	require.NoError(t, r.g.AddPass("opaque", backend.QueueGraphics, nil,
		writes(Write(scene, UsageColorAttachment), Write(depth, UsageDepthWrite)), draw))
	require.NoError(t, r.g.AddPass("decals", backend.QueueGraphics,
		reads(Read(scene, UsageColorAttachment), Read(depth, UsageDepthRead)),
		writes(Write(scene, UsageColorAttachment)), draw))

	_, err = r.g.Compile()
	require.NoError(t, err)
	rec, err := r.g.Execute()
	require.NoError(t, err)
	assert.Equal(t, int32(2), drew.Load())
	require.Len(t, rec.Batches, 1)
	cbs := rec.Batches[0].CommandBuffers
	require.Len(t, cbs, 2)
	assert.Equal(t, cmdpool.StateExecutable, cbs[0].State())
	assert.Equal(t, "opaque", cbs[0].Label())

	first := commands(cbs[0])
	require.Len(t, first, 4)
	assert.Equal(t, soft.OpBarrier, first[0].Op)
	require.Len(t, first[0].Textures, 2)
	for _, b := range first[0].Textures {
		assert.True(t, b.Discard, "first use discards")
	}
	assert.Equal(t, soft.OpBeginRenderPass, first[1].Op)
	pass := first[1].Pass
	require.Len(t, pass.Color, 1)
	assert.Equal(t, gputypes.LoadOpClear, pass.Color[0].Load)
	assert.Equal(t, gputypes.ColorBlue, pass.Color[0].Clear)
	require.NotNil(t, pass.Depth)
	assert.Equal(t, gputypes.LoadOpClear, pass.Depth.Load)
	assert.InDelta(t, 1, pass.Depth.ClearDepth, 0)
	assert.Equal(t, soft.OpDraw, first[2].Op)
	assert.Equal(t, soft.OpEndRenderPass, first[3].Op)

	second := commands(cbs[1])
	assert.Equal(t, soft.OpBarrier, second[0].Op)
	require.Len(t, second[0].Textures, 2, "written attachments are made visible before reuse")
	for _, b := range second[0].Textures {
		assert.Equal(t, gputypes.TextureUsageRenderAttachment, b.To)
		assert.False(t, b.Discard)
	}
	pass = second[1].Pass
	assert.Equal(t, gputypes.LoadOpLoad, pass.Color[0].Load, "read attachments load")
	require.NotNil(t, pass.Depth)
	assert.True(t, pass.Depth.ReadOnly)
	assert.Equal(t, gputypes.LoadOpLoad, pass.Depth.Load)
}

func TestExecuteComputeAndCopyPasses(t *testing.T) {
	r := newRig(t)
	buf := r.buffer(t, "data", 1024)
	staging := r.buffer(t, "staging", 1024)
	require.NoError(t, r.g.AddPass("fill", backend.QueueCompute, nil,
		writes(Write(buf, UsageStorageWrite)), func(pc *PassContext) error {
			pc.CommandBuffer.Dispatch(4, 1, 1)
			return nil
		}))
	require.NoError(t, r.g.AddPass("readback", backend.QueueTransfer,
		reads(Read(buf, UsageCopySrc)), writes(Write(staging, UsageCopyDst)), func(pc *PassContext) error {
			src, err := pc.Buffer(buf)
			if err != nil {
				return err
			}
			dst, err := pc.Buffer(staging)
			if err != nil {
				return err
			}
			pc.CommandBuffer.CopyBuffer(src, 0, dst, 0, 1024)
			return nil
		}))

	plan, err := r.g.Compile()
	require.NoError(t, err)
	require.Len(t, plan.Batches, 2)
	assert.Equal(t, []int{0}, plan.Batches[1].Waits)

	rec, err := r.g.Execute()
	require.NoError(t, err)
	fill := commands(rec.Batches[0].CommandBuffers[0])
	assert.Equal(t, []soft.Op{soft.OpBarrier, soft.OpBeginComputePass, soft.OpDispatch, soft.OpEndComputePass},
		ops(fill))
	readback := commands(rec.Batches[1].CommandBuffers[0])
	assert.Equal(t, []soft.Op{soft.OpBarrier, soft.OpCopyBuffer}, ops(readback), "copies run outside passes")
}

func ops(cmds []soft.Command) []soft.Op {
	out := make([]soft.Op, len(cmds))
	for i, c := range cmds {
		out[i] = c.Op
	}
	return out
}

func TestPassContext(t *testing.T) {
	r := newRig(t)
	rt := r.target(t, "rt")
	other := r.target(t, "other")
	cb := r.buffer(t, "constants", 256)
	r.pass(t, "other", backend.QueueGraphics, nil, writes(Write(other, UsageColorAttachment)))
	r.pass(t, "upload", backend.QueueGraphics, nil, writes(Write(cb, UsageCopyDst)))

	var (
		thread  int
		upload  transient.Allocation
		errs    []error
		texture backend.Texture
	)
	require.NoError(t, r.g.AddPass("draw", backend.QueueGraphics,
		reads(Read(cb, UsageUniform)), writes(Write(rt, UsageColorAttachment)), func(pc *PassContext) error {
			thread = pc.Thread
			var err error
			texture, err = pc.Texture(rt)
			errs = append(errs, err)
			_, err = pc.Texture(other)
			errs = append(errs, err)
			_, err = pc.Buffer(rt)
			errs = append(errs, err)
			_, err = pc.Texture(cb)
			errs = append(errs, err)
			upload, err = pc.Upload([]byte("camera"), 0)
			errs = append(errs, err)
			return nil
		}))

	_, err := r.g.Compile()
	require.NoError(t, err)
	_, err = r.g.Execute()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, thread, 0)
	assert.Less(t, thread, r.cmds.Threads())
	require.Len(t, errs, 5)
	assert.NoError(t, errs[0])
	assert.Equal(t, "rt", texture.Desc().Label)
	assert.ErrorIs(t, errs[1], ErrUndeclared)
	assert.ErrorIs(t, errs[2], ErrInvalidResource)
	assert.ErrorIs(t, errs[3], ErrInvalidResource)
	assert.NoError(t, errs[4])
	assert.Equal(t, uint64(6), upload.Size)
	assert.Equal(t, []byte("camera"), r.ring.Buffer().(*soft.Buffer).Bytes()[upload.Offset:upload.Offset+6])
}

func TestAliasedTransientsKeepTheirNames(t *testing.T) {
	r := newRig(t)
	first := r.target(t, "first")
	mid := r.target(t, "mid")
	last := r.target(t, "last")
	var mu sync.Mutex
	labels := map[string]string{}
	label := func(name string, h ResourceHandle) PassFunc {
		return func(pc *PassContext) error {
			tex, err := pc.Texture(h)
			if err != nil {
				return err
			}
			mu.Lock()
			labels[name] = tex.Desc().Label
			mu.Unlock()
			return nil
		}
	}
	require.NoError(t, r.g.AddPass("p0", backend.QueueGraphics, nil,
		writes(Write(first, UsageColorAttachment)), label("p0", first)))
	require.NoError(t, r.g.AddPass("p1", backend.QueueGraphics,
		reads(Read(first, UsageSampled)), writes(Write(mid, UsageColorAttachment)), nil))
	require.NoError(t, r.g.AddPass("p2", backend.QueueGraphics,
		reads(Read(mid, UsageSampled)), writes(Write(last, UsageColorAttachment)), label("p2", last)))

	plan, err := r.g.Compile()
	require.NoError(t, err)
	lf, _ := plan.Lifetime(first)
	ll, _ := plan.Lifetime(last)
	require.Equal(t, lf.Region, ll.Region, "first and last share memory")

	_, err = r.g.Execute()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p0": "first", "p2": "last"}, labels)
}

func TestPassCallbackErrorAbortsFrame(t *testing.T) {
	r := newRig(t, withTimestamps())
	a := r.target(t, "a")
	b := r.target(t, "b")
	boom := errors.New("boom")
	var ran atomic.Int32
	ok := func(*PassContext) error { ran.Add(1); return nil }
	require.NoError(t, r.g.AddPass("first", backend.QueueGraphics, nil, writes(Write(a, UsageColorAttachment)), ok))
	require.NoError(t, r.g.AddPass("broken", backend.QueueGraphics,
		reads(Read(a, UsageSampled)), writes(Write(b, UsageColorAttachment)),
		func(*PassContext) error { return boom }))
	require.NoError(t, r.g.AddPass("last", backend.QueueGraphics, reads(Read(b, UsageSampled)), nil, ok))

	_, err := r.g.Compile()
	require.NoError(t, err)
	rec, err := r.g.Execute()
	assert.Nil(t, rec)
	require.ErrorIs(t, err, ErrPassFailed)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `"broken"`)
	assert.Equal(t, grerr.Validation, grerr.KindOf(err))
	assert.Equal(t, StateRetired, r.g.State())

	s := r.cmds.Stats()
	assert.Equal(t, 0, s.Live, "every buffer returned")
	assert.Equal(t, 3, r.cmds.Reclaim())
	assert.Equal(t, 6, r.stamp.Stats().Deferred, "queries of the aborted frame are released")
	assert.Equal(t, 6, r.stamp.Reclaim())

	r.g.Reset()
	_, err = r.g.Execute()
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestBackendErrorKeepsKind(t *testing.T) {
	r := newRig(t)
	rt := r.target(t, "rt")
	r.pass(t, "draw", backend.QueueGraphics, nil, writes(Write(rt, UsageColorAttachment)))
	_, err := r.g.Compile()
	require.NoError(t, err)

	r.be.FailCreates(1)
	_, err = r.g.Execute()
	assert.ErrorIs(t, err, grerr.ErrBackend)
	assert.NotErrorIs(t, err, ErrPassFailed)
}

func TestTimestampsBracketPasses(t *testing.T) {
	r := newRig(t, withTimestamps())
	rt := r.target(t, "rt")
	buf := r.buffer(t, "staging", 256)
	r.pass(t, "draw", backend.QueueGraphics, nil, writes(Write(rt, UsageColorAttachment)))
	r.pass(t, "copy", backend.QueueGraphics, nil, writes(Write(buf, UsageCopyDst)))

	_, err := r.g.Compile()
	require.NoError(t, err)
	rec, err := r.g.Execute()
	require.NoError(t, err)
	assert.Len(t, rec.Queries, 2, "copy-only passes have no pass to time")

	cmds := commands(rec.Batches[0].CommandBuffers[0])
	var begin *backend.RenderPassDesc
	for _, c := range cmds {
		if c.Op == soft.OpBeginRenderPass {
			begin = c.Pass
		}
	}
	require.NotNil(t, begin)
	require.NotNil(t, begin.Timestamps)
	assert.Same(t, rec.Queries[0].Pool(), begin.Timestamps.Pool)
	assert.Equal(t, rec.Queries[0].Index(), begin.Timestamps.Begin)
	assert.Equal(t, rec.Queries[1].Index(), begin.Timestamps.End)
}
