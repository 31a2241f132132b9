package trainstep

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"asklepios/internal/backend"
	"asklepios/internal/job"
	"asklepios/internal/model"
)

// Optimizer applies one parameter update from accumulated gradients.
// Its internal moments persist through the job state store so a later
// worker invocation continues exactly where the previous one stopped.
type Optimizer interface {
	Step(params []*backend.Param, learningRate float64)
	SaveState(j *job.Job)
	RestoreState(j *job.Job) error
}

// NewOptimizer resolves an optimizer by name. The empty name selects
// the manual gradient-descent path in the executor (no optimizer
// object), kept separate so raw gradients can be shipped instead of
// applied locally.
func NewOptimizer(name string) (Optimizer, error) {
	switch name {
	case "", "sgd":
		return nil, nil
	case "momentum":
		return &momentum{velocity: make(map[string]*mat.Dense)}, nil
	case "adam":
		return &adam{m: make(map[string]*mat.Dense), v: make(map[string]*mat.Dense)}, nil
	default:
		return nil, model.Coded(model.ServerError, "unrecognized optimizer: %s", name)
	}
}

type momentum struct {
	velocity map[string]*mat.Dense
}

const momentumFactor = 0.9

func (o *momentum) Step(params []*backend.Param, learningRate float64) {
	for _, p := range params {
		r, c := p.Value.Dims()
		vel, ok := o.velocity[p.Name]
		if !ok {
			vel = mat.NewDense(r, c, nil)
			o.velocity[p.Name] = vel
		}
		vd := vel.RawMatrix().Data
		gd := p.Grad.RawMatrix().Data
		wd := p.Value.RawMatrix().Data
		for i := range wd {
			vd[i] = momentumFactor*vd[i] - learningRate*gd[i]
			wd[i] += vd[i]
		}
	}
}

func (o *momentum) SaveState(j *job.Job) {
	for name, vel := range o.velocity {
		r, c := vel.Dims()
		j.SetMatrixState("opt.momentum."+name, r, c, vel.RawMatrix().Data)
	}
}

func (o *momentum) RestoreState(j *job.Job) error {
	for name := range j.State {
		const prefix = "opt.momentum."
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		r, c, values, ok := j.MatrixState(name)
		if !ok {
			continue
		}
		o.velocity[name[len(prefix):]] = mat.NewDense(r, c, values)
	}
	return nil
}

type adam struct {
	m, v map[string]*mat.Dense
	step int64
}

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

func (o *adam) Step(params []*backend.Param, learningRate float64) {
	o.step++
	bias1 := 1 - math.Pow(adamBeta1, float64(o.step))
	bias2 := 1 - math.Pow(adamBeta2, float64(o.step))
	for _, p := range params {
		r, c := p.Value.Dims()
		m, ok := o.m[p.Name]
		if !ok {
			m = mat.NewDense(r, c, nil)
			o.m[p.Name] = m
		}
		v, ok := o.v[p.Name]
		if !ok {
			v = mat.NewDense(r, c, nil)
			o.v[p.Name] = v
		}
		md := m.RawMatrix().Data
		vd := v.RawMatrix().Data
		gd := p.Grad.RawMatrix().Data
		wd := p.Value.RawMatrix().Data
		for i := range wd {
			md[i] = adamBeta1*md[i] + (1-adamBeta1)*gd[i]
			vd[i] = adamBeta2*vd[i] + (1-adamBeta2)*gd[i]*gd[i]
			mHat := md[i] / bias1
			vHat := vd[i] / bias2
			wd[i] -= learningRate * mHat / (math.Sqrt(vHat) + adamEpsilon)
		}
	}
}

func (o *adam) SaveState(j *job.Job) {
	for name, m := range o.m {
		r, c := m.Dims()
		j.SetMatrixState("opt.adam.m."+name, r, c, m.RawMatrix().Data)
	}
	for name, v := range o.v {
		r, c := v.Dims()
		j.SetMatrixState("opt.adam.v."+name, r, c, v.RawMatrix().Data)
	}
	j.SetMatrixState("opt.adam.step", 1, 1, []float64{float64(o.step)})
}

func (o *adam) RestoreState(j *job.Job) error {
	for name := range j.State {
		r, c, values, ok := j.MatrixState(name)
		if !ok {
			continue
		}
		const mPrefix = "opt.adam.m."
		const vPrefix = "opt.adam.v."
		switch {
		case len(name) > len(mPrefix) && name[:len(mPrefix)] == mPrefix:
			o.m[name[len(mPrefix):]] = mat.NewDense(r, c, values)
		case len(name) > len(vPrefix) && name[:len(vPrefix)] == vPrefix:
			o.v[name[len(vPrefix):]] = mat.NewDense(r, c, values)
		case name == "opt.adam.step":
			o.step = int64(values[0])
		}
	}
	return nil
}
