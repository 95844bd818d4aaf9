// Package ebook は calibre を使った EPUB→PDF 変換のパラメータとツール呼び出しを提供します。
package ebook

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/epub-forge/internal/config"
)

// プロファイル名
const (
	ProfileRemarkable = "reMarkable"
	ProfileBooxAir4C  = "boox_air_4c"
	ProfileCustom     = "custom"
)

// Params は ebook-convert に渡す変換パラメータです。
type Params struct {
	InputProfile             string `json:"input_profile" yaml:"input_profile"`
	OutputProfile            string `json:"output_profile" yaml:"output_profile"`
	BaseFontSize             string `json:"base_font_size" yaml:"base_font_size"`
	DefaultFontSize          string `json:"default_font_size" yaml:"default_font_size"`
	MonoFontSize             string `json:"mono_font_size" yaml:"mono_font_size"`
	EmbedAllFonts            bool   `json:"embed_all_fonts" yaml:"embed_all_fonts"`
	SubsetEmbeddedFonts      bool   `json:"subset_embedded_fonts" yaml:"subset_embedded_fonts"`
	UnsmartenPunctuation     bool   `json:"unsmarten_punctuation" yaml:"unsmarten_punctuation"`
	CustomSize               string `json:"custom_size" yaml:"custom_size"`
	Unit                     string `json:"unit" yaml:"unit"`
	PDFSansFamily            string `json:"pdf_sans_family" yaml:"pdf_sans_family"`
	PDFSerifFamily           string `json:"pdf_serif_family" yaml:"pdf_serif_family"`
	PDFMonoFamily            string `json:"pdf_mono_family" yaml:"pdf_mono_family"`
	PDFStandardFont          string `json:"pdf_standard_font" yaml:"pdf_standard_font"`
	PDFPageMarginLeft        string `json:"pdf_page_margin_left" yaml:"pdf_page_margin_left"`
	PDFPageMarginRight       string `json:"pdf_page_margin_right" yaml:"pdf_page_margin_right"`
	PDFPageMarginTop         string `json:"pdf_page_margin_top" yaml:"pdf_page_margin_top"`
	PDFPageMarginBottom      string `json:"pdf_page_margin_bottom" yaml:"pdf_page_margin_bottom"`
	PreserveCoverAspectRatio bool   `json:"preserve_cover_aspect_ratio" yaml:"preserve_cover_aspect_ratio"`
	ChangeJustification      string `json:"change_justification" yaml:"change_justification"`
}

// DefaultParams は reMarkable 向けの既定値です。
func DefaultParams() Params {
	return Params{
		InputProfile:             "default",
		OutputProfile:            "generic_eink_hd",
		BaseFontSize:             "12",
		DefaultFontSize:          "18",
		MonoFontSize:             "16",
		EmbedAllFonts:            true,
		SubsetEmbeddedFonts:      true,
		UnsmartenPunctuation:     true,
		CustomSize:               "1620x2160",
		Unit:                     "devicepixel",
		PDFSansFamily:            "IBM Plex Sans",
		PDFSerifFamily:           "IBM Plex Serif",
		PDFMonoFamily:            "IBM Plex Mono",
		PDFStandardFont:          "serif",
		PDFPageMarginLeft:        "72",
		PDFPageMarginRight:       "20",
		PDFPageMarginTop:         "20",
		PDFPageMarginBottom:      "20",
		PreserveCoverAspectRatio: true,
		ChangeJustification:      "justify",
	}
}

func booxAir4CParams() Params {
	p := DefaultParams()
	p.DefaultFontSize = "16"
	p.MonoFontSize = "14"
	p.CustomSize = "1860x2480"
	return p
}

type paramField struct {
	key  string
	str  func(*Params) *string
	flag func(*Params) *bool
}

var paramFields = []paramField{
	{key: "input_profile", str: func(p *Params) *string { return &p.InputProfile }},
	{key: "output_profile", str: func(p *Params) *string { return &p.OutputProfile }},
	{key: "base_font_size", str: func(p *Params) *string { return &p.BaseFontSize }},
	{key: "default_font_size", str: func(p *Params) *string { return &p.DefaultFontSize }},
	{key: "mono_font_size", str: func(p *Params) *string { return &p.MonoFontSize }},
	{key: "embed_all_fonts", flag: func(p *Params) *bool { return &p.EmbedAllFonts }},
	{key: "subset_embedded_fonts", flag: func(p *Params) *bool { return &p.SubsetEmbeddedFonts }},
	{key: "unsmarten_punctuation", flag: func(p *Params) *bool { return &p.UnsmartenPunctuation }},
	{key: "custom_size", str: func(p *Params) *string { return &p.CustomSize }},
	{key: "unit", str: func(p *Params) *string { return &p.Unit }},
	{key: "pdf_sans_family", str: func(p *Params) *string { return &p.PDFSansFamily }},
	{key: "pdf_serif_family", str: func(p *Params) *string { return &p.PDFSerifFamily }},
	{key: "pdf_mono_family", str: func(p *Params) *string { return &p.PDFMonoFamily }},
	{key: "pdf_standard_font", str: func(p *Params) *string { return &p.PDFStandardFont }},
	{key: "pdf_page_margin_left", str: func(p *Params) *string { return &p.PDFPageMarginLeft }},
	{key: "pdf_page_margin_right", str: func(p *Params) *string { return &p.PDFPageMarginRight }},
	{key: "pdf_page_margin_top", str: func(p *Params) *string { return &p.PDFPageMarginTop }},
	{key: "pdf_page_margin_bottom", str: func(p *Params) *string { return &p.PDFPageMarginBottom }},
	{key: "preserve_cover_aspect_ratio", flag: func(p *Params) *bool { return &p.PreserveCoverAspectRatio }},
	{key: "change_justification", str: func(p *Params) *string { return &p.ChangeJustification }},
}

// ParamKeys はフォームや環境変数で指定できるキーの一覧を返します。
func ParamKeys() []string {
	keys := make([]string, len(paramFields))
	for i, f := range paramFields {
		keys[i] = f.key
	}
	return keys
}

// FlagMode はフォームの真偽値項目の扱い方です。
type FlagMode int

const (
	// FlagsFromValue は値を持つ項目だけ上書きし、未指定は既定値のままにします（API 向け）。
	FlagsFromValue FlagMode = iota
	// FlagsFromPresence はチェックボックスのように、存在すれば真・なければ偽とします（HTML フォーム向け）。
	FlagsFromPresence
)

// Override は values に含まれるキーで p を上書きしたコピーを返します。
func (p Params) Override(values map[string]string, mode FlagMode) Params {
	out := p
	for _, f := range paramFields {
		v, ok := values[f.key]
		if f.flag != nil {
			switch {
			case mode == FlagsFromPresence:
				*f.flag(&out) = ok
			case ok:
				*f.flag(&out) = config.ParseBool(v)
			}
			continue
		}
		if ok && strings.TrimSpace(v) != "" {
			*f.str(&out) = strings.TrimSpace(v)
		}
	}
	return out
}

// fromEnv は PREFIX_KEY 形式の環境変数で p を上書きします。
func (p Params) fromEnv(prefix string, lookup func(string) (string, bool)) Params {
	values := make(map[string]string)
	for _, f := range paramFields {
		if v, ok := lookup(prefix + "_" + strings.ToUpper(f.key)); ok {
			values[f.key] = v
		}
	}
	return p.Override(values, FlagsFromValue)
}

// Presets はデバイスプロファイルと既定パラメータの集合です。
type Presets struct {
	Default  Params
	profiles map[string]Params
}

// DefaultPresets は組み込みのプロファイルを返します。
func DefaultPresets() *Presets {
	return &Presets{
		Default: DefaultParams(),
		profiles: map[string]Params{
			ProfileRemarkable: DefaultParams(),
			ProfileBooxAir4C:  booxAir4CParams(),
		},
	}
}

// LoadPresets は組み込みプロファイルに YAML ファイルと環境変数の上書きを適用します。
// 環境変数は REMARKABLE_BASE_FONT_SIZE のようにプロファイル名の大文字を接頭辞にします。
func LoadPresets(path string, lookup func(string) (string, bool)) (*Presets, error) {
	presets := DefaultPresets()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read presets file: %w", err)
		}
		if err := presets.mergeYAML(data); err != nil {
			return nil, fmt.Errorf("failed to parse presets file %s: %w", path, err)
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for name, params := range presets.profiles {
		presets.profiles[name] = params.fromEnv(strings.ToUpper(name), lookup)
	}
	return presets, nil
}

// mergeYAML は既存の値を保持したままファイルで指定された項目だけを反映します。
func (p *Presets) mergeYAML(data []byte) error {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	for name, node := range doc {
		base, ok := p.profiles[name]
		if !ok {
			base = p.Default
		}
		if err := node.Decode(&base); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
		p.profiles[name] = base
	}
	return nil
}

// Profile は名前に対応するプロファイルを返します。
func (p *Presets) Profile(name string) (Params, bool) {
	params, ok := p.profiles[name]
	if ok {
		return params, true
	}
	for key, params := range p.profiles {
		if strings.EqualFold(key, name) {
			return params, true
		}
	}
	return Params{}, false
}

// Profiles はプロファイル名とパラメータの一覧を返します。
func (p *Presets) Profiles() map[string]Params {
	out := make(map[string]Params, len(p.profiles))
	for k, v := range p.profiles {
		out[k] = v
	}
	return out
}

// Names はプロファイル名をソートして返します。
func (p *Presets) Names() []string {
	names := make([]string, 0, len(p.profiles))
	for k := range p.profiles {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Resolve はプロファイル名と個別指定から最終的なパラメータを決定します。
// 既知のプロファイルでなければ既定値に個別指定を重ねたカスタム設定になります。
func (p *Presets) Resolve(profile string, values map[string]string, mode FlagMode) (Params, string) {
	profile = strings.TrimSpace(profile)
	if params, ok := p.Profile(profile); ok {
		return params, profile
	}
	return p.Default.Override(values, mode), ProfileCustom
}
