// Package export renders dossiers and clients as CSV for spreadsheet
// tools: UTF-8 with a byte order mark, comma separated, fixed columns.
package export

import (
	"encoding/csv"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/lexcab/dossiermail/internal/model"
)

// bom makes spreadsheet applications read the file as UTF-8.
const bom = "\ufeff"

const dateLayout = "2006-01-02"

var (
	DossierColumns = []string{"Référence", "Titre", "Client", "Email client", "Étape", "Voie", "Créé le"}
	ClientColumns  = []string{"Nom", "Prénom", "Email", "Téléphone", "Créé le"}
)

func date(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func write(w io.Writer, header []string, rows [][]string) error {
	if _, err := io.WriteString(w, bom); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return errors.Wrap(err, "writing csv")
	}
	return nil
}

// Dossiers writes one line per dossier.
func Dossiers(w io.Writer, dossiers []model.DossierRow) error {
	rows := make([][]string, 0, len(dossiers))
	for _, d := range dossiers {
		rows = append(rows, []string{
			d.Reference,
			d.Title,
			d.ClientName,
			d.ClientEmail,
			string(d.Stage),
			string(d.Track),
			date(d.CreatedAt),
		})
	}
	return write(w, DossierColumns, rows)
}

// Clients writes one line per client.
func Clients(w io.Writer, clients []model.Client) error {
	rows := make([][]string, 0, len(clients))
	for _, c := range clients {
		rows = append(rows, []string{
			c.LastName,
			c.FirstName,
			c.Email,
			c.Phone,
			date(c.CreatedAt),
		})
	}
	return write(w, ClientColumns, rows)
}
