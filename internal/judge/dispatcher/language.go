package dispatcher

import (
	"regexp"
	"strings"
)

const (
	defaultExtension = ".txt"
	defaultBaseName  = "submission"
)

// extensions maps the language names accepted by the judge client to source file
// extensions. Keys are matched exactly.
var extensions = map[string]string{
	"C":                    ".c",
	"C++":                  ".cpp",
	"C++17":                ".cpp",
	"C++20":                ".cpp",
	"C#":                   ".cs",
	"Go":                   ".go",
	"Java":                 ".java",
	"Java 17":              ".java",
	"JavaScript":           ".js",
	"JavaScript (Node.js)": ".js",
	"Kotlin":               ".kt",
	"Python":               ".py",
	"Python 2":             ".py",
	"Python 3":             ".py",
	"Rust":                 ".rs",
	"Ruby":                 ".rb",
	"TypeScript":           ".ts",
}

var unsafeNameChars = regexp.MustCompile(`[^0-9A-Za-z_\-]`)

// ExtensionFor returns the source file extension for language, ".txt" when unknown.
func ExtensionFor(language string) string {
	if ext, ok := extensions[language]; ok {
		return ext
	}
	return defaultExtension
}

// TempBaseName derives a filesystem-safe file name prefix from a problem identifier.
func TempBaseName(identifier string) string {
	name := unsafeNameChars.ReplaceAllString(identifier, "_")
	if name == "" {
		return defaultBaseName
	}
	return name
}

// NormalizeIdentifier is the problem id as passed to the judge client.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
