// Package formatdetect implements the upload path's magic-byte format
// tagging: a deterministic signature table producing one of the
// recognized format tags plus a confidence score. Below the 0.7
// confidence floor a low-confidence warning is attached instead of a
// hard rejection.
package formatdetect

import "bytes"

// Tag is one of the recognized file-format tags.
type Tag string

const (
	TagPE    Tag = "pe"
	TagELF   Tag = "elf"
	TagMachO Tag = "macho"
	TagDEX   Tag = "dex"
	TagJava  Tag = "java"
	TagWasm  Tag = "wasm"
	TagRaw   Tag = "raw"
)

// MinAcceptedConfidence is the floor below which a low-confidence
// warning is attached rather than the tag being rejected outright.
const MinAcceptedConfidence = 0.7

// Result is the outcome of detecting a file's format from its content.
type Result struct {
	Tag        Tag
	Confidence float64
}

// LowConfidence reports whether callers should attach the
// "low-confidence" warning to the upload response.
func (r Result) LowConfidence() bool {
	return r.Confidence < MinAcceptedConfidence
}

type signature struct {
	tag        Tag
	magic      []byte
	offset     int
	confidence float64
}

// signatures is checked in order; the first match wins. Longer, more
// specific magics are listed before shorter generic ones.
var signatures = []signature{
	{tag: TagELF, magic: []byte{0x7f, 'E', 'L', 'F'}, confidence: 0.98},
	{tag: TagPE, magic: []byte{'M', 'Z'}, confidence: 0.95},
	{tag: TagMachO, magic: []byte{0xfe, 0xed, 0xfa, 0xce}, confidence: 0.95},
	{tag: TagMachO, magic: []byte{0xfe, 0xed, 0xfa, 0xcf}, confidence: 0.95},
	{tag: TagMachO, magic: []byte{0xce, 0xfa, 0xed, 0xfe}, confidence: 0.95},
	{tag: TagMachO, magic: []byte{0xcf, 0xfa, 0xed, 0xfe}, confidence: 0.95},
	{tag: TagJava, magic: []byte{0xca, 0xfe, 0xba, 0xbe}, confidence: 0.9},
	{tag: TagMachO, magic: []byte{0xca, 0xfe, 0xba, 0xbe}, confidence: 0.8}, // fat binary; shares its magic with the Java class entry above
	{tag: TagDEX, magic: []byte{'d', 'e', 'x', '\n'}, confidence: 0.95},
	{tag: TagWasm, magic: []byte{0x00, 'a', 's', 'm'}, confidence: 0.98},
}

// Detect inspects the leading bytes of file content and returns the best
// matching format tag. An empty or unrecognized header is tagged "raw"
// with a confidence below MinAcceptedConfidence.
func Detect(content []byte) Result {
	for _, sig := range signatures {
		if sig.tag == TagJava {
			// Java .class and Mach-O fat binaries share CAFEBABE; a
			// .class file's next two big-endian uint16s are a minor/major
			// version pair, always well under the fat binary's huge
			// architecture count. Distinguish by the 3rd/4th byte after
			// the magic: a Mach-O fat header's count is tiny (1-20
			// typically) stored as the full 4 bytes after the magic,
			// while .class stores a 2-byte minor version there.
			if hasPrefix(content, sig.magic) && looksLikeJavaClass(content) {
				return Result{Tag: TagJava, Confidence: sig.confidence}
			}
			continue
		}
		if hasPrefix(content, sig.magic) {
			return Result{Tag: sig.tag, Confidence: sig.confidence}
		}
	}
	if len(content) == 0 {
		return Result{Tag: TagRaw, Confidence: 0}
	}
	return Result{Tag: TagRaw, Confidence: 0.5}
}

func hasPrefix(content, magic []byte) bool {
	return len(content) >= len(magic) && bytes.Equal(content[:len(magic)], magic)
}

// looksLikeJavaClass applies a minimal structural check beyond the shared
// CAFEBABE magic: a valid class file's major_version (bytes 6-7) falls in
// the known JVM class-format range, which a Mach-O fat binary's
// architecture count essentially never does.
func looksLikeJavaClass(content []byte) bool {
	if len(content) < 8 {
		return false
	}
	major := int(content[6])<<8 | int(content[7])
	return major >= 45 && major <= 200
}
