package taxonomy

import "github.com/menta2k/image-labeler/pkg/types"

// DefaultThemeOptions are the built-in tattoo themes. Portuguese keys carry
// English synonyms for better prompt matching.
var DefaultThemeOptions = []LabelOption{
	{Key: "leão", Candidates: []string{"leão", "leao", "lion"}},
	{Key: "lobo", Candidates: []string{"lobo", "wolf"}},
	{Key: "onça", Candidates: []string{"onça", "onca", "jaguar", "leopard"}},
	{Key: "jesus", Candidates: []string{"jesus", "cristo", "jesus cristo", "christ"}},
	{Key: "pequena sereia", Candidates: []string{"pequena sereia", "ariel", "the little mermaid"}},
	{Key: "caveira", Candidates: []string{"caveira", "skull"}},
	{Key: "rosa", Candidates: []string{"rosa", "rose"}},
	{Key: "dragão", Candidates: []string{"dragão", "dragao", "dragon"}},
	{Key: "dog", Candidates: []string{"dog", "cachorro", "puppy"}},
}

// DefaultStyleOptions are the built-in tattoo styles
var DefaultStyleOptions = []LabelOption{
	{Key: "realismo", Candidates: []string{"realismo", "realistic", "realism"}},
	{Key: "realismo-pb", Candidates: []string{"realismo pb", "realismo preto e branco", "preto e branco realista", "black and white realistic", "bw realistic"}},
	{Key: "fineline", Candidates: []string{"fineline", "fine line", "linha fina"}},
	{Key: "geométrico", Candidates: []string{"geométrico", "geometrico", "geometric"}},
	{Key: "mandala", Candidates: []string{"mandala"}},
	{Key: "aquarela", Candidates: []string{"aquarela", "watercolor", "watercolour"}},
	{Key: "religiosa", Candidates: []string{"religiosa", "religious", "religion"}},
	{Key: "escrita", Candidates: []string{"escrita", "lettering", "tipografia", "hand lettering"}},
}

// DefaultTheme returns the built-in theme taxonomy
func DefaultTheme() *Taxonomy {
	return New(string(types.CategoryTheme), DefaultThemeOptions)
}

// DefaultStyle returns the built-in style taxonomy
func DefaultStyle() *Taxonomy {
	return New(string(types.CategoryStyle), DefaultStyleOptions)
}
