package checkpoint

import (
	"fmt"

	"github.com/23skdu/ak42/internal/config"
)

// Parameter names in a Hugging Face llama state dict.
const (
	EmbeddingName  = "model.embed_tokens.weight"
	OutputNormName = "model.norm.weight"
	OutputName     = "lm_head.weight"
)

func LayerName(layer int, suffix string) string {
	return fmt.Sprintf("model.layers.%d.%s", layer, suffix)
}

// Block is one tensor of the checkpoint body.
type Block struct {
	Group string
	Name  string
	Layer int
	Shape []int

	// Heads is non-zero for blocks passed through tensor.Unpermute with
	// target dims Shape[0] x Shape[1].
	Heads int
}

func (b Block) Elements() int {
	n := 1
	for _, d := range b.Shape {
		n *= d
	}
	return n
}

func (b Block) Transform() string {
	if b.Heads > 0 {
		return "unpermute"
	}
	return ""
}

type layerGroup struct {
	group  string
	suffix string
	shape  func(c config.ModelConfig) []int
	heads  func(c config.ModelConfig) int
}

func square(c config.ModelConfig) []int { return []int{c.EmbeddingSize, c.EmbeddingSize} }
func vector(c config.ModelConfig) []int { return []int{c.EmbeddingSize} }

// keyShape follows the row count of the key projection, which shrinks under
// grouped-query attention.
func keyShape(c config.ModelConfig) []int {
	if !c.GroupedQuery() {
		return square(c)
	}
	return []int{c.EmbeddingSize / c.Heads * c.QueryGroups, c.EmbeddingSize}
}

func keyHeads(c config.ModelConfig) int {
	if !c.GroupedQuery() {
		return c.Heads
	}
	return c.QueryGroups
}

var (
	inputNorm = layerGroup{group: "input_layernorm", suffix: "input_layernorm.weight", shape: vector}
	postNorm  = layerGroup{group: "post_attention_layernorm", suffix: "post_attention_layernorm.weight", shape: vector}

	projections = []layerGroup{
		{group: "q_proj", suffix: "self_attn.q_proj.weight", shape: square, heads: func(c config.ModelConfig) int { return c.Heads }},
		{group: "k_proj", suffix: "self_attn.k_proj.weight", shape: keyShape, heads: keyHeads},
		{group: "v_proj", suffix: "self_attn.v_proj.weight", shape: func(c config.ModelConfig) []int { return []int{c.KeyRows(), c.EmbeddingSize} }},
		{group: "o_proj", suffix: "self_attn.o_proj.weight", shape: square},
		{group: "gate_proj", suffix: "mlp.gate_proj.weight", shape: func(c config.ModelConfig) []int { return []int{c.FFNHiddenSize, c.EmbeddingSize} }},
		{group: "down_proj", suffix: "mlp.down_proj.weight", shape: func(c config.ModelConfig) []int { return []int{c.EmbeddingSize, c.FFNHiddenSize} }},
		{group: "up_proj", suffix: "mlp.up_proj.weight", shape: func(c config.ModelConfig) []int { return []int{c.FFNHiddenSize, c.EmbeddingSize} }},
	}
)

func (g layerGroup) blocks(c config.ModelConfig) []Block {
	out := make([]Block, 0, c.Layers)
	for layer := range c.Layers {
		b := Block{
			Group: g.group,
			Name:  LayerName(layer, g.suffix),
			Layer: layer,
			Shape: g.shape(c),
		}
		if g.heads != nil {
			b.Heads = g.heads(c)
		}
		out = append(out, b)
	}
	return out
}

// Plan lists the checkpoint body in file order. Each layer-indexed group
// covers every layer before the next group starts; loaders rely on position
// alone, so this order must not change.
func Plan(c config.ModelConfig, shared bool) []Block {
	var plan []Block
	plan = append(plan, inputNorm.blocks(c)...)
	plan = append(plan, postNorm.blocks(c)...)
	plan = append(plan,
		Block{Group: "norm", Name: OutputNormName, Layer: -1, Shape: vector(c)},
		Block{Group: "embed_tokens", Name: EmbeddingName, Layer: -1, Shape: []int{c.VocabSize, c.EmbeddingSize}},
	)
	for _, g := range projections {
		plan = append(plan, g.blocks(c)...)
	}
	if !shared {
		plan = append(plan, Block{Group: "lm_head", Name: OutputName, Layer: -1, Shape: []int{c.VocabSize, c.EmbeddingSize}})
	}
	return plan
}
