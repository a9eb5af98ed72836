package model

import (
	"fmt"
	"strings"
)

// Prescription is the structured content produced by the extraction step.
type Prescription struct {
	Date      string     `json:"date"`
	Medicines []Medicine `json:"medicines"`
	Notes     string     `json:"notes"`
}

type Medicine struct {
	Name      string `json:"name"`
	Quantity  string `json:"quantity"`
	Timing    Timing `json:"timing"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

type Timing struct {
	Morning     string `json:"morning"`
	Afternoon   string `json:"afternoon"`
	Night       string `json:"night"`
	Instruction string `json:"instruction"`
}

const missingField = "-"

// Normalize fills empty fields with "-" and drops medicines without a name.
func (p *Prescription) Normalize() {
	p.Date = orMissing(p.Date)
	p.Notes = orMissing(p.Notes)
	kept := p.Medicines[:0]
	for _, m := range p.Medicines {
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" || m.Name == missingField {
			continue
		}
		m.Quantity = orMissing(m.Quantity)
		m.Frequency = orMissing(m.Frequency)
		m.Duration = orMissing(m.Duration)
		m.Timing.Morning = orMissing(m.Timing.Morning)
		m.Timing.Afternoon = orMissing(m.Timing.Afternoon)
		m.Timing.Night = orMissing(m.Timing.Night)
		m.Timing.Instruction = orMissing(m.Timing.Instruction)
		kept = append(kept, m)
	}
	p.Medicines = kept
}

// DetailLines renders one line per medicine.
func (p *Prescription) DetailLines() []string {
	lines := make([]string, 0, len(p.Medicines))
	for _, m := range p.Medicines {
		timing := fmt.Sprintf("Morning: %s, Afternoon: %s, Night: %s, Instruction: %s",
			m.Timing.Morning, m.Timing.Afternoon, m.Timing.Night, m.Timing.Instruction)
		lines = append(lines, fmt.Sprintf("- %s (Qty: %s): %s, Freq: %s, Duration: %s",
			m.Name, m.Quantity, timing, m.Frequency, m.Duration))
	}
	return lines
}

// Details is the flattened medicine summary stored on the session.
func (p *Prescription) Details() string {
	return strings.Join(p.DetailLines(), "\n")
}

// Content is the full text that gets embedded for retrieval.
func (p *Prescription) Content() string {
	return fmt.Sprintf("Date: %s\n\nMedicines:\n%s\n\nNotes: %s", p.Date, p.Details(), p.Notes)
}

// Title names the topic after its first two medicines.
func (p *Prescription) Title(sourceName string) string {
	if len(p.Medicines) == 0 {
		return "Prescription " + sourceName
	}
	names := make([]string, 0, 2)
	for i := 0; i < len(p.Medicines) && i < 2; i++ {
		names = append(names, p.Medicines[i].Name)
	}
	title := "Prescription: " + strings.Join(names, ", ")
	if len(p.Medicines) > 2 {
		title += "..."
	}
	return title
}

// ItemsFromDetails splits a stored details text back into classifiable items.
func ItemsFromDetails(details string) []string {
	var items []string
	for _, line := range strings.Split(details, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		items = append(items, line)
	}
	return items
}

func orMissing(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return missingField
	}
	return s
}
