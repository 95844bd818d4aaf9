package ebook

import "fmt"

// ConvertArgs は ebook-convert に渡す引数を組み立てます。
// 進捗を出力に流すため常に --verbose と --debug を付けます。
func ConvertArgs(inputPath, outputPath string, p Params) []string {
	args := []string{
		inputPath,
		outputPath,
		"--verbose",
		"--debug",
		fmt.Sprintf("--input-profile=%s", p.InputProfile),
		fmt.Sprintf("--output-profile=%s", p.OutputProfile),
		fmt.Sprintf("--base-font-size=%s", p.BaseFontSize),
		fmt.Sprintf("--pdf-default-font-size=%s", p.DefaultFontSize),
		fmt.Sprintf("--pdf-mono-font-size=%s", p.MonoFontSize),
		fmt.Sprintf("--custom-size=%s", p.CustomSize),
		fmt.Sprintf("--unit=%s", p.Unit),
		fmt.Sprintf("--pdf-sans-family=%s", p.PDFSansFamily),
		fmt.Sprintf("--pdf-serif-family=%s", p.PDFSerifFamily),
		fmt.Sprintf("--pdf-mono-family=%s", p.PDFMonoFamily),
		fmt.Sprintf("--pdf-standard-font=%s", p.PDFStandardFont),
		fmt.Sprintf("--pdf-page-margin-left=%s", p.PDFPageMarginLeft),
		fmt.Sprintf("--pdf-page-margin-right=%s", p.PDFPageMarginRight),
		fmt.Sprintf("--pdf-page-margin-top=%s", p.PDFPageMarginTop),
		fmt.Sprintf("--pdf-page-margin-bottom=%s", p.PDFPageMarginBottom),
		fmt.Sprintf("--change-justification=%s", p.ChangeJustification),
	}

	if p.EmbedAllFonts {
		args = append(args, "--embed-all-fonts")
	}
	if p.SubsetEmbeddedFonts {
		args = append(args, "--subset-embedded-fonts")
	}
	if p.UnsmartenPunctuation {
		args = append(args, "--unsmarten-punctuation")
	}
	if p.PreserveCoverAspectRatio {
		args = append(args, "--preserve-cover-aspect-ratio")
	}
	return args
}
