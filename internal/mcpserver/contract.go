package mcpserver

import (
	"fmt"
	"strings"

	"github.com/starford/lexarchive/internal/catalog"
)

// ContractURI is the resource describing the query tools.
const ContractURI = "lexarchive://query-contract"

const contractIntro = `# Legal archive query contract

The archive keeps every legal instrument (a statute, regulation or code)
as a tree of fragments. Each fragment has:

- a **current pointer**: the latest extracted content, overwritten on every ingest;
- **snapshots**: immutable dated captures, one per distinct (date, sha256);
- **annexes**: the latest conversion outcome of each PDF attached to it.

Instruments are named by their external identifier (e.g. ` + "`C-12`" + `), fragments
by their code (e.g. ` + "`se:1`" + `, ` + "`se:1-ss:2`" + `). Dates are ` + "`YYYYMMDD`" + `,
timestamps RFC 3339 UTC, hashes lowercase hex SHA-256.

## Queries

Every tool returns a JSON array of rows with exactly these columns.
An empty result is an empty array, never an error.
`

// QueryContract renders the contract from the catalog's column sets.
func QueryContract() string {
	var b strings.Builder
	b.WriteString(contractIntro)
	for _, q := range catalog.Queries {
		fmt.Fprintf(&b, "\n### %s\n\nColumns: `%s`\n", toolName(q), strings.Join(catalog.Header(q), "`, `"))
	}
	b.WriteString(`
## Notes

- Snapshots are ordered by date ascending; two snapshots may share a date
  when a source was corrected after capture.
- Annexes are ordered most recently converted first. ` + "`conversion_status`" + ` is
  one of ` + "`success`, `failed`, `skipped`" + `.
- ` + "`instruments_by_jurisdiction`" + ` takes a jurisdiction code such as ` + "`QC`" + `.
`)
	return b.String()
}

func toolName(q catalog.Query) string {
	return strings.ReplaceAll(string(q), "-", "_")
}
