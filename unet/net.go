package unet

import (
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/segeval/ndarray"
)

// Architectures accepted by NewNet.
const (
	ArchUNet         = "unet"
	ArchResNetUNet   = "resnet34-unet"
	ArchResNet18UNet = "resnet18-unet"
)

// Net owns a model, its variables and its device. It exchanges images and
// logits as ndarray values so callers never handle tensors.
type Net struct {
	vs       *nn.VarStore
	module   ts.ModuleT
	device   gotch.Device
	cfg      Config
	half     bool
	training bool
}

// NewNet builds the model of the given architecture on device. Mixed
// precision casts weights and inputs to half precision on CUDA; on CPU it is
// ignored and reported through the second return value being false.
func NewNet(arch string, cfg Config, device gotch.Device, amp bool) (*Net, bool, error) {
	if cfg.Classes < 1 {
		return nil, false, errors.Errorf("unet: classes must be positive, got %d", cfg.Classes)
	}
	if cfg.Channels < 1 {
		return nil, false, errors.Errorf("unet: channels must be positive, got %d", cfg.Channels)
	}

	vs := nn.NewVarStore(device)
	var module ts.ModuleT
	switch arch {
	case ArchUNet, "":
		module = NewUNet(vs.Root(), cfg)
	case ArchResNetUNet:
		module = NewResNetUNet(vs.Root(), cfg.Channels, cfg.Classes)
	case ArchResNet18UNet:
		module = NewResNet18UNet(vs.Root(), cfg.Channels, cfg.Classes)
	default:
		return nil, false, errors.Errorf("unet: unknown architecture %q", arch)
	}

	half := amp && device != gotch.CPU
	if half {
		castVars(vs, gotch.Half)
	}

	return &Net{
		vs:       vs,
		module:   module,
		device:   device,
		cfg:      cfg,
		half:     half,
		training: true,
	}, half, nil
}

// Load loads weights saved by gotch (`.ot`/`.gt`). With partial set, missing
// variables keep their initial values and are returned.
func (n *Net) Load(path string, partial bool) ([]string, error) {
	modelPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	var missing []string
	if partial {
		missing, err = n.vs.LoadPartial(modelPath)
	} else {
		err = n.vs.Load(modelPath)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading weights %q", modelPath)
	}

	// Load copies into the existing variables, which keep their dtype.
	return missing, nil
}

// castVars converts every variable of vs to dtype. Modules hold pointers to
// the variables, so each converted tensor is swapped in behind the pointer.
func castVars(vs *nn.VarStore, dtype gotch.DType) {
	ts.NoGrad(func() {
		for _, x := range vs.Vars.NamedVariables {
			if x.DType() == dtype {
				continue
			}
			cast := x.MustTotype(dtype, false)
			*x = *cast
		}
	})
}

// Var describes a model variable.
type Var struct {
	Name  string
	Size  []int64
	DType gotch.DType
}

// Vars lists the model variables sorted by name.
func (n *Net) Vars() []Var {
	vars := n.vs.Variables()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Var, len(names))
	for i, name := range names {
		x := vars[name]
		out[i] = Var{Name: name, Size: x.MustSize(), DType: x.DType()}
		x.MustDrop()
	}
	return out
}

// NClasses returns the number of output channels.
func (n *Net) NClasses() int { return int(n.cfg.Classes) }

// Eval switches batch norm to running statistics.
func (n *Net) Eval() { n.training = false }

// Train switches batch norm back to batch statistics.
func (n *Net) Train() { n.training = true }

// Training reports the current mode.
func (n *Net) Training() bool { return n.training }

// Forward runs images [B C H W] through the model without gradient tracking
// and returns logits [B classes H W].
func (n *Net) Forward(images *ndarray.Array) (*ndarray.Array, error) {
	shape := images.Shape()
	if len(shape) != 4 || int64(shape[1]) != n.cfg.Channels {
		return nil, errors.Errorf("unet: expected input [B %d H W], got %v", n.cfg.Channels, shape)
	}

	x := toTensor(images).MustTo(n.device, true)
	if n.half {
		x = x.MustTotype(gotch.Half, true)
	}

	var logits *ts.Tensor
	ts.NoGrad(func() {
		logits = n.module.ForwardT(x, n.training)
	})
	x.MustDrop()

	out := logits.MustTotype(gotch.Double, true).MustTo(gotch.CPU, true)
	defer out.MustDrop()

	return fromTensor(out)
}

func toTensor(a *ndarray.Array) *ts.Tensor {
	vals := a.Values()
	data := make([]float32, len(vals))
	for i, v := range vals {
		data[i] = float32(v)
	}
	shape := a.Shape()
	size := make([]int64, len(shape))
	for i, d := range shape {
		size[i] = int64(d)
	}

	return ts.MustOfSlice(data).MustView(size, true)
}

func fromTensor(x *ts.Tensor) (*ndarray.Array, error) {
	size := x.MustSize()
	shape := make([]int, len(size))
	for i, d := range size {
		shape[i] = int(d)
	}

	return ndarray.New(shape, x.Float64Values())
}
