package compiler

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rxledger/internal/report/models"
	"rxledger/pkg/domain"
)

func sampleReport() *models.RegulatoryReport {
	at := func(d int) time.Time { return time.Date(2026, time.January, d, 14, 30, 0, 0, time.UTC) }
	prescriber := domain.Prescriber{Name: "Dr. Ana Souza", License: "CRM-12345", Region: "SP"}
	events := []domain.DispensationEvent{
		{
			ID: "disp-1", PrescriptionItemID: "item-1",
			Medication: domain.Medication{ID: "MED-MORPHINE-10", Name: "Morphine 10mg"},
			Quantity:   decimal.RequireFromString("2.5"), Unit: "ml",
			Prescriber: prescriber, Patient: domain.Patient{Name: "J. Doe", Document: "123"},
			DispensedAt: at(3),
		},
		{
			ID: "disp-2", PrescriptionItemID: "item-2",
			Medication: domain.Medication{ID: "MED-FENTANYL-50", Name: "Fentanyl <50mcg>"},
			Quantity:   decimal.NewFromInt(1), Unit: "patch",
			Prescriber: prescriber, Patient: domain.Patient{Name: "M. Roe", Document: "456"},
			DispensedAt: at(4),
		},
		{
			ID: "disp-3", PrescriptionItemID: "item-3",
			Medication: domain.Medication{ID: "MED-MORPHINE-10", Name: "Morphine 10mg"},
			Quantity:   decimal.RequireFromString("1.25"), Unit: "ml",
			Prescriber: prescriber, Patient: domain.Patient{Name: "J. Doe", Document: "123"},
			DispensedAt: at(9),
		},
	}
	return models.NewReport(domain.NewTenantID(), domain.Period{Year: 2026, Month: time.January}, events, "op",
		time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC))
}

func TestCompile(t *testing.T) {
	report := sampleReport()

	first, err := Compile(report)
	require.NoError(t, err)
	second, err := Compile(report.Clone())
	require.NoError(t, err)

	t.Run("deterministic bytes and checksum", func(t *testing.T) {
		assert.Equal(t, first.Payload, second.Payload)
		assert.Equal(t, first.Checksum, second.Checksum)
		assert.Len(t, first.Checksum, 64)
		assert.Equal(t, Checksum(first.Payload), first.Checksum)
	})

	t.Run("declares the schema namespace", func(t *testing.T) {
		payload := string(first.Payload)
		assert.True(t, strings.HasPrefix(payload, "<?xml"))
		assert.Contains(t, payload, `xmlns="`+Namespace+`"`)
		assert.Contains(t, payload, "Fentanyl &lt;50mcg&gt;")
	})

	t.Run("parses back with events in report order and per-medication totals", func(t *testing.T) {
		var doc Document
		require.NoError(t, xml.Unmarshal(first.Payload, &doc))

		assert.Equal(t, "2026-01", doc.Header.Period)
		assert.Equal(t, "2026-01-01", doc.Header.PeriodStart)
		assert.Equal(t, "2026-02-01", doc.Header.PeriodEnd)
		assert.Equal(t, 3, doc.Header.ItemCount)

		require.Len(t, doc.Dispensations, 3)
		assert.Equal(t, []string{"disp-1", "disp-2", "disp-3"},
			[]string{doc.Dispensations[0].ID, doc.Dispensations[1].ID, doc.Dispensations[2].ID})
		assert.Equal(t, "2026-01-03T14:30:00Z", doc.Dispensations[0].DispensedAt)
		assert.Equal(t, "2.5", doc.Dispensations[0].Quantity.Value)
		assert.Equal(t, "CRM-12345", doc.Dispensations[0].Prescriber.License)

		require.Len(t, doc.Summary, 2)
		assert.Equal(t, "MED-FENTANYL-50", doc.Summary[0].Code)
		assert.Equal(t, "MED-MORPHINE-10", doc.Summary[1].Code)
		assert.Equal(t, "3.75", doc.Summary[1].Quantity.Value)
		assert.Equal(t, 2, doc.Summary[1].Items)
	})

	t.Run("different content changes the checksum", func(t *testing.T) {
		changed := report.Clone()
		changed.Events[0].Quantity = decimal.NewFromInt(3)
		other, err := Compile(changed)
		require.NoError(t, err)
		assert.NotEqual(t, first.Checksum, other.Checksum)
	})
}
