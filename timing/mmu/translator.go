package mmu

// Translator maps a virtual address of a thread to a physical address. The
// OS model owns the page tables and implements it.
type Translator interface {
	Translate(vaddr, tid uint64) uint64
}

// TranslatorFunc adapts a plain function to a Translator.
type TranslatorFunc func(vaddr, tid uint64) uint64

// Translate calls f.
func (f TranslatorFunc) Translate(vaddr, tid uint64) uint64 {
	return f(vaddr, tid)
}

// IdentityTranslator maps every virtual address to itself.
var IdentityTranslator = TranslatorFunc(func(vaddr, _ uint64) uint64 {
	return vaddr
})
