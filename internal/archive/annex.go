package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/models"
)

const selectAnnexSQL = `SELECT id, fragment_id, pdf_url, pdf_path, md_path, content_sha256,
	converter_tool, converter_version, provenance, conversion_status, warnings_json,
	metadata_json, converted_at FROM annexes`

func validateOutcome(o *models.AnnexOutcome) error {
	return validation.ValidateStruct(o,
		validation.Field(&o.Status, validation.Required,
			validation.In(models.ConversionSuccess, models.ConversionFailed, models.ConversionSkipped)),
		validation.Field(&o.ContentHash, validation.Length(64, 64), is.Hexadecimal),
		validation.Field(&o.ConverterTool, validation.Required),
	)
}

// UpsertAnnex records the latest conversion outcome for (fragmentID,
// pdfURL), replacing whatever was stored before. No transition rules apply.
func (a *Archive) UpsertAnnex(ctx context.Context, fragmentID int64, pdfURL string, out models.AnnexOutcome) (models.Annex, error) {
	pdfURL = strings.TrimSpace(pdfURL)
	if pdfURL == "" {
		return models.Annex{}, &apperr.ConstraintViolation{Entity: "annex", Reason: "pdf url is required"}
	}
	out.ContentHash = strings.ToLower(strings.TrimSpace(out.ContentHash))
	if err := validateOutcome(&out); err != nil {
		return models.Annex{}, &apperr.ConstraintViolation{Entity: "annex", Reason: err.Error()}
	}

	warnings := out.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return models.Annex{}, fmt.Errorf("archive: encode annex warnings: %w", err)
	}
	meta := out.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return models.Annex{}, fmt.Errorf("archive: encode annex metadata: %w", err)
	}

	var annex models.Annex
	err = a.withTx(ctx, "upsert annex", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO annexes (fragment_id, pdf_url, pdf_path, md_path, content_sha256, converter_tool,
				converter_version, provenance, conversion_status, warnings_json, metadata_json, converted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fragment_id, pdf_url) DO UPDATE SET
				pdf_path          = excluded.pdf_path,
				md_path           = excluded.md_path,
				content_sha256    = excluded.content_sha256,
				converter_tool    = excluded.converter_tool,
				converter_version = excluded.converter_version,
				provenance        = excluded.provenance,
				conversion_status = excluded.conversion_status,
				warnings_json     = excluded.warnings_json,
				metadata_json     = excluded.metadata_json,
				converted_at      = excluded.converted_at`,
			fragmentID, pdfURL, out.PDFPath, out.MarkdownPath, out.ContentHash, out.ConverterTool,
			out.ConverterVersion, out.Provenance, string(out.Status), string(warningsJSON), string(metaJSON),
			formatTime(out.ConvertedAt))
		if err != nil {
			return fmt.Errorf("upsert annex: %w", err)
		}
		annex, err = scanAnnex(tx.QueryRowContext(ctx,
			selectAnnexSQL+` WHERE fragment_id = ? AND pdf_url = ?`, fragmentID, pdfURL))
		return err
	})
	return annex, err
}

// ListAnnexes yields a fragment's annexes, most recently converted first.
func (a *Archive) ListAnnexes(ctx context.Context, fragmentID int64) iter.Seq2[models.Annex, error] {
	return queryRows(ctx, a.conn, scanAnnex,
		selectAnnexSQL+` WHERE fragment_id = ? ORDER BY converted_at DESC, id DESC`, fragmentID)
}

func scanAnnex(s rowScanner) (models.Annex, error) {
	var (
		an                 models.Annex
		status             string
		warnings, meta, ts string
	)
	err := s.Scan(&an.ID, &an.FragmentID, &an.PDFURL, &an.PDFPath, &an.MarkdownPath, &an.ContentHash,
		&an.ConverterTool, &an.ConverterVersion, &an.Provenance, &status, &warnings, &meta, &ts)
	if err != nil {
		return models.Annex{}, err
	}
	if an.Status, err = models.ParseConversionStatus(status); err != nil {
		return models.Annex{}, fmt.Errorf("archive: annex %d: %w", an.ID, err)
	}
	if err := json.Unmarshal([]byte(warnings), &an.Warnings); err != nil {
		return models.Annex{}, fmt.Errorf("archive: annex %d warnings: %w", an.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &an.Metadata); err != nil {
		return models.Annex{}, fmt.Errorf("archive: annex %d metadata: %w", an.ID, err)
	}
	if an.ConvertedAt, err = parseTime(ts); err != nil {
		return models.Annex{}, fmt.Errorf("archive: annex %d: %w", an.ID, err)
	}
	return an, nil
}
