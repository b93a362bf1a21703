package signal

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Weights are the parameters of the logistic scorer. They are produced
// offline and loaded at startup.
type Weights struct {
	Bias           float64 `yaml:"bias"`
	MomentumShort  float64 `yaml:"momentum_short"`
	MomentumMedium float64 `yaml:"momentum_medium"`
	Imbalance      float64 `yaml:"imbalance"`
	FlowBias       float64 `yaml:"flow_bias"`
	Volatility     float64 `yaml:"volatility"`
}

func DefaultWeights() Weights {
	return Weights{
		Bias:           0,
		MomentumShort:  1.2,
		MomentumMedium: 0.8,
		Imbalance:      1.0,
		FlowBias:       0.9,
		Volatility:     -0.2,
	}
}

// LoadWeights reads a YAML weight file.
func LoadWeights(path string) (Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Weights{}, fmt.Errorf("read weights: %w", err)
	}
	var w Weights
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Weights{}, fmt.Errorf("decode weights: %w", err)
	}
	if err := w.Validate(); err != nil {
		return Weights{}, err
	}
	return w, nil
}

// Save writes the weights as YAML.
func (w Weights) Save(path string) error {
	data, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"bias":            w.Bias,
		"momentum_short":  w.MomentumShort,
		"momentum_medium": w.MomentumMedium,
		"imbalance":       w.Imbalance,
		"flow_bias":       w.FlowBias,
		"volatility":      w.Volatility,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("weight %s is not finite", name)
		}
	}
	return nil
}
