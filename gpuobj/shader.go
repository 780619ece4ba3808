package gpuobj

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"

	"github.com/gogpu/gr/backend"
)

// ShaderHandle references a Shader in a Device.
type ShaderHandle = Handle[*Shader]

// ShaderInitInfo describes a shader module. Exactly one of WGSL and SPIRV
// must be set. Stage must name a single stage.
type ShaderInitInfo struct {
	Name       string
	Stage      gputypes.ShaderStage
	EntryPoint string
	WGSL       string
	SPIRV      []uint32
}

// Shader is a shader module bound to one stage and entry point.
type Shader struct {
	Object
	stage  gputypes.ShaderStage
	entry  string
	native backend.Shader
}

func (s *Shader) header() *Object                  { return &s.Object }
func (s *Shader) nativeResource() backend.Resource { return s.native }

// Stage returns the pipeline stage.
func (s *Shader) Stage() gputypes.ShaderStage { return s.stage }

// EntryPoint returns the entry point name.
func (s *Shader) EntryPoint() string { return s.entry }

// Native returns the backend shader.
func (s *Shader) Native() backend.Shader { return s.native }

// compileWGSL translates WGSL to SPIR-V words.
func compileWGSL(src string) ([]uint32, error) {
	blob, err := naga.Compile(src)
	if err != nil {
		return nil, err
	}
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("SPIR-V blob of %d bytes is not word aligned", len(blob))
	}
	words := make([]uint32, len(blob)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(blob[i*4:])
	}
	return words, nil
}

// NewShader validates info and creates a shader module. WGSL sources are
// compiled to SPIR-V first when the backend consumes SPIR-V.
func (d *Device) NewShader(info ShaderInitInfo) (ShaderHandle, error) {
	const op = "new shader"
	if err := d.checkOpen(op); err != nil {
		return ShaderHandle{}, err
	}
	switch {
	case bits.OnesCount32(uint32(info.Stage)) != 1 || info.Stage > gputypes.ShaderStageCompute:
		return ShaderHandle{}, invalid(op, ErrInvalidShader, "%q stage %#x", info.Name, uint32(info.Stage))
	case info.EntryPoint == "":
		return ShaderHandle{}, invalid(op, ErrInvalidShader, "%q has no entry point", info.Name)
	case (info.WGSL == "") == (len(info.SPIRV) == 0):
		return ShaderHandle{}, invalid(op, ErrInvalidShader, "%q needs exactly one of WGSL and SPIR-V", info.Name)
	}

	desc := backend.ShaderDesc{
		Label:      info.Name,
		Stage:      info.Stage,
		EntryPoint: info.EntryPoint,
		WGSL:       info.WGSL,
		SPIRV:      info.SPIRV,
	}
	if desc.WGSL != "" && d.limits.SPIRV {
		words, err := compileWGSL(desc.WGSL)
		if err != nil {
			return ShaderHandle{}, invalid(op, ErrShaderCompile, "%q: %v", info.Name, err)
		}
		desc.WGSL, desc.SPIRV = "", words
	}

	native, err := d.be.CreateShader(&desc)
	if err != nil {
		return ShaderHandle{}, backend.Classify(op, err)
	}
	s := &Shader{stage: info.Stage, entry: info.EntryPoint, native: native}
	s.Init(KindShader, info.Name)
	return d.shaders.Insert(s), nil
}

// Shader resolves h.
func (d *Device) Shader(h ShaderHandle) (*Shader, error) {
	return lookup(d.shaders, h, "shader")
}

// DestroyShader invalidates h and releases the module after its last use.
// Pipelines created from it stay valid.
func (d *Device) DestroyShader(h ShaderHandle) error {
	return destroy(d, d.shaders, h, "destroy shader")
}
