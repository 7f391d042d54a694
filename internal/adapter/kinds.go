package adapter

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"media-jobs-service/internal/entity"
)

const (
	MB int64 = 1024 * 1024

	DefaultMaxVideoBytes = 500 * MB
	DefaultMaxAudioBytes = 100 * MB
	DefaultMaxTextBytes  = 1 * MB
)

// SupportedLanguages maps the short codes clients send to the model's
// language tags.
var SupportedLanguages = map[string]string{
	"en": "eng_Latn",
	"hi": "hin_Deva",
	"bn": "ben_Beng",
	"gu": "guj_Gujr",
	"kn": "kan_Knda",
	"ml": "mal_Mlym",
	"mr": "mar_Deva",
	"or": "ory_Orya",
	"pa": "pan_Guru",
	"ta": "tam_Taml",
	"te": "tel_Telu",
	"as": "asm_Beng",
	"ur": "urd_Arab",
}

type Limits struct {
	Video int64
	Audio int64
	Text  int64
}

func DefaultLimits() Limits {
	return Limits{Video: DefaultMaxVideoBytes, Audio: DefaultMaxAudioBytes, Text: DefaultMaxTextBytes}
}

// SlotRule describes one uploaded file a kind requires.
type SlotRule struct {
	Name     string
	Exts     []string
	MaxBytes int64
}

// KindSpec is the static description of a job kind: what it takes and what
// it produces.
type KindSpec struct {
	Kind      entity.JobKind
	Slots     []SlotRule
	OutputExt string
	MediaType string
}

var speechExts = []string{".mp3", ".wav", ".ogg", ".m4a", ".flac", ".aac", ".webm", ".mp4"}

// Specs returns the rules for every supported kind under the given limits.
func Specs(l Limits) map[entity.JobKind]KindSpec {
	return map[entity.JobKind]KindSpec{
		entity.KindLipSync: {
			Kind: entity.KindLipSync,
			Slots: []SlotRule{
				{Name: entity.SlotVideo, Exts: []string{".mp4", ".avi", ".mov", ".mkv", ".webm"}, MaxBytes: l.Video},
				{Name: entity.SlotAudio, Exts: []string{".mp3", ".wav", ".m4a", ".aac", ".ogg"}, MaxBytes: l.Audio},
			},
			OutputExt: ".mp4",
			MediaType: "video/mp4",
		},
		entity.KindTranscribe: {
			Kind: entity.KindTranscribe,
			Slots: []SlotRule{
				{Name: entity.SlotAudio, Exts: speechExts, MaxBytes: l.Audio},
			},
			OutputExt: ".json",
			MediaType: "application/json",
		},
		entity.KindDetectLanguage: {
			Kind: entity.KindDetectLanguage,
			Slots: []SlotRule{
				{Name: entity.SlotAudio, Exts: speechExts, MaxBytes: l.Audio},
			},
			OutputExt: ".json",
			MediaType: "application/json",
		},
		entity.KindTranslate: {
			Kind: entity.KindTranslate,
			Slots: []SlotRule{
				{Name: entity.SlotText, Exts: []string{".txt"}, MaxBytes: l.Text},
			},
			OutputExt: ".json",
			MediaType: "application/json",
		},
	}
}

func (k KindSpec) Slot(name string) (SlotRule, bool) {
	for _, s := range k.Slots {
		if s.Name == name {
			return s, true
		}
	}
	return SlotRule{}, false
}

// MaxUpload is the sum of all slot ceilings.
func (k KindSpec) MaxUpload() int64 {
	var n int64
	for _, s := range k.Slots {
		n += s.MaxBytes
	}
	return n
}

// CheckName validates the declared filename before anything is written.
func (r SlotRule) CheckName(filename string) error {
	if strings.TrimSpace(filename) == "" {
		return entity.ValidationError("No %s file selected", r.Name)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, allowed := range r.Exts {
		if ext == allowed {
			return nil
		}
	}
	return entity.ValidationError("Invalid %s format. Supported: %s", r.Name, strings.Join(r.Exts, ", "))
}

// ValidateInputs checks presence, format and size of every slot.
func (k KindSpec) ValidateInputs(inputs map[string]string) error {
	for name := range inputs {
		if _, ok := k.Slot(name); !ok {
			return entity.ValidationError("unexpected %s input for %s", name, k.Kind)
		}
	}
	for _, slot := range k.Slots {
		path, ok := inputs[slot.Name]
		if !ok || path == "" {
			return entity.ValidationError("No %s file provided", slot.Name)
		}
		if err := slot.CheckName(path); err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return entity.ValidationError("%s file not found", strings.ToUpper(slot.Name[:1])+slot.Name[1:])
		}
		if info.IsDir() {
			return entity.ValidationError("%s input is not a file", slot.Name)
		}
		if slot.MaxBytes > 0 && info.Size() > slot.MaxBytes {
			return entity.ValidationError("%s file too large. Maximum size: %d MB", slot.Name, slot.MaxBytes/MB)
		}
	}
	return nil
}

// ValidateParams checks kind-specific parameters.
func ValidateParams(kind entity.JobKind, p entity.Params) error {
	switch kind {
	case entity.KindLipSync:
		if p.BBoxShift < -100 || p.BBoxShift > 100 {
			return entity.ValidationError("bbox_shift must be between -100 and 100")
		}
	case entity.KindTranscribe:
		if p.Language != "" && !supported(p.Language) {
			return entity.ValidationError("Unsupported language: %s", p.Language)
		}
	case entity.KindTranslate:
		if p.SourceLang == "" || p.TargetLang == "" {
			return entity.ValidationError("source_lang and target_lang are required")
		}
		if !supported(p.SourceLang) {
			return entity.ValidationError("Unsupported source language: %s", p.SourceLang)
		}
		if !supported(p.TargetLang) {
			return entity.ValidationError("Unsupported target language: %s", p.TargetLang)
		}
		if p.SourceLang == p.TargetLang {
			return entity.ValidationError("source_lang and target_lang must differ")
		}
	case entity.KindDetectLanguage:
		if p != (entity.Params{}) {
			return entity.ValidationError("detect_language takes no parameters")
		}
	default:
		return entity.ValidationError("unknown job kind: %s", kind)
	}
	return nil
}

func supported(code string) bool {
	_, ok := SupportedLanguages[code]
	return ok
}

// LanguageCodes returns the supported short codes, sorted.
func LanguageCodes() []string {
	out := make([]string, 0, len(SupportedLanguages))
	for code := range SupportedLanguages {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// LanguagePair is one translation direction the model supports.
type LanguagePair struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourceName string `json:"source_name"`
	TargetName string `json:"target_name"`
}

// LanguagePairs lists every ordered pair of distinct supported languages,
// sorted by source then target.
func LanguagePairs() []LanguagePair {
	codes := LanguageCodes()
	out := make([]LanguagePair, 0, len(codes)*(len(codes)-1))
	for _, src := range codes {
		for _, tgt := range codes {
			if src == tgt {
				continue
			}
			out = append(out, LanguagePair{
				Source:     src,
				Target:     tgt,
				SourceName: SupportedLanguages[src],
				TargetName: SupportedLanguages[tgt],
			})
		}
	}
	return out
}
