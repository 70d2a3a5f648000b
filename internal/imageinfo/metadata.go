package imageinfo

import (
	"bytes"
	"strings"

	"github.com/bep/imagemeta"
)

// Hint keys in ImageInfo.Metadata.
const (
	HintSoftware           = "software"
	HintCreatorTool        = "creator_tool"
	HintOriginatingProgram = "originating_program"
	HintAIGenerator        = "ai_generator"
)

var hintTags = map[imagemeta.Source]map[string]string{
	imagemeta.EXIF: {"Software": HintSoftware},
	imagemeta.XMP:  {"CreatorTool": HintCreatorTool},
	imagemeta.IPTC: {"OriginatingProgram": HintOriginatingProgram},
}

// generatorKeywords are lower-case substrings left by image generation tools.
var generatorKeywords = []string{
	"stable diffusion",
	"stablediffusion",
	"automatic1111",
	"comfyui",
	"invokeai",
	"midjourney",
	"dall-e",
	"dall·e",
	"dalle",
	"firefly",
	"imagen",
	"novelai",
	"leonardo.ai",
	"flux",
}

// ExtractHints reads software and creator tags from EXIF, XMP and IPTC.
// It returns nil when nothing useful is found.
func ExtractHints(data []byte) map[string]string {
	if len(data) == 0 {
		return nil
	}

	hints := make(map[string]string)
	_, err := imagemeta.Decode(imagemeta.Options{
		R:       bytes.NewReader(data),
		Sources: imagemeta.EXIF | imagemeta.IPTC | imagemeta.XMP,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			_, ok := hintTags[ti.Source][ti.Tag]
			return ok
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			key := hintTags[ti.Source][ti.Tag]
			if s := strings.TrimSpace(tagValueString(ti.Value)); s != "" && key != "" {
				hints[key] = s
			}
			return nil
		},
	})
	if err != nil && len(hints) == 0 {
		return nil
	}

	if gen := DetectGenerator(hints); gen != "" {
		hints[HintAIGenerator] = gen
	}
	if len(hints) == 0 {
		return nil
	}
	return hints
}

// DetectGenerator returns the first generator keyword found in any hint value.
func DetectGenerator(hints map[string]string) string {
	for _, key := range []string{HintSoftware, HintCreatorTool, HintOriginatingProgram} {
		lower := strings.ToLower(hints[key])
		if lower == "" {
			continue
		}
		for _, kw := range generatorKeywords {
			if strings.Contains(lower, kw) {
				return kw
			}
		}
	}
	return ""
}

// tagValueString flattens XMP list values to their first entry.
func tagValueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		if len(val) > 0 {
			return val[0]
		}
	case []any:
		if len(val) > 0 {
			if s, ok := val[0].(string); ok {
				return s
			}
		}
	}
	return ""
}
