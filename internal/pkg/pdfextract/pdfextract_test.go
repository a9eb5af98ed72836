package pdfextract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTextRejectsEmptyInput(t *testing.T) {
	_, err := ExtractText(nil)
	assert.ErrorIs(t, err, ErrNoText)
}

func TestExtractTextRejectsNonPDF(t *testing.T) {
	_, err := ExtractText([]byte("plain text, not a pdf"))
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	got := normalize("  Date:   12/01  \n\n\tCrocin   650mg \n")
	assert.Equal(t, "Date: 12/01\nCrocin 650mg", got)
}
