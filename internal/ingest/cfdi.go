package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"

	"github.com/contamx/contamx/internal/shared"
)

// CFDI namespaces by version.
const (
	NamespaceCFDI40 = "http://www.sat.gob.mx/cfd/4"
	NamespaceCFDI33 = "http://www.sat.gob.mx/cfd/3"
)

// CFDI is the parsed content of a stamped invoice.
type CFDI struct {
	UUID           string
	Version        string
	Series         string
	Folio          string
	Type           DocType
	IssuerRFC      string
	IssuerName     string
	ReceiverRFC    string
	ReceiverName   string
	IssuedAt       time.Time
	StampedAt      time.Time
	Subtotal       shared.Cents
	Discount       shared.Cents
	TaxTransferred shared.Cents
	TaxWithheld    shared.Cents
	Total          shared.Cents
	Currency       string
	ExchangeRate   decimal.Decimal
	PaymentMethod  PaymentMethod
	PaymentForm    string
	Payments       []Payment
	ContentHash    string
}

// Payment is one Pago node of a payment complement.
type Payment struct {
	Date         time.Time
	Form         string
	Currency     string
	ExchangeRate decimal.Decimal
	Amount       shared.Cents
	Related      []RelatedDocument
}

// RelatedDocument is a DoctoRelacionado: the invoice a payment settles.
type RelatedDocument struct {
	UUID        string
	Series      string
	Folio       string
	Installment int
	Previous    shared.Cents
	Paid        shared.Cents
	Remaining   shared.Cents
}

type xmlComprobante struct {
	XMLName           xml.Name
	Version           string         `xml:"Version,attr"`
	Serie             string         `xml:"Serie,attr"`
	Folio             string         `xml:"Folio,attr"`
	Fecha             string         `xml:"Fecha,attr"`
	SubTotal          string         `xml:"SubTotal,attr"`
	Descuento         string         `xml:"Descuento,attr"`
	Total             string         `xml:"Total,attr"`
	Moneda            string         `xml:"Moneda,attr"`
	TipoCambio        string         `xml:"TipoCambio,attr"`
	TipoDeComprobante string         `xml:"TipoDeComprobante,attr"`
	MetodoPago        string         `xml:"MetodoPago,attr"`
	FormaPago         string         `xml:"FormaPago,attr"`
	Emisor            *xmlParty      `xml:"Emisor"`
	Receptor          *xmlParty      `xml:"Receptor"`
	Impuestos         *xmlImpuestos  `xml:"Impuestos"`
	Complemento       xmlComplemento `xml:"Complemento"`
}

type xmlParty struct {
	Rfc    string `xml:"Rfc,attr"`
	Nombre string `xml:"Nombre,attr"`
}

type xmlImpuestos struct {
	Trasladados string `xml:"TotalImpuestosTrasladados,attr"`
	Retenidos   string `xml:"TotalImpuestosRetenidos,attr"`
}

type xmlComplemento struct {
	Timbres []xmlTimbre `xml:"TimbreFiscalDigital"`
	Pagos   []xmlPagos  `xml:"Pagos"`
}

type xmlTimbre struct {
	UUID          string `xml:"UUID,attr"`
	FechaTimbrado string `xml:"FechaTimbrado,attr"`
}

type xmlPagos struct {
	Pagos []xmlPago `xml:"Pago"`
}

type xmlPago struct {
	FechaPago    string     `xml:"FechaPago,attr"`
	FormaDePagoP string     `xml:"FormaDePagoP,attr"`
	MonedaP      string     `xml:"MonedaP,attr"`
	TipoCambioP  string     `xml:"TipoCambioP,attr"`
	Monto        string     `xml:"Monto,attr"`
	Docs         []xmlDocto `xml:"DoctoRelacionado"`
}

type xmlDocto struct {
	IDDocumento      string `xml:"IdDocumento,attr"`
	Serie            string `xml:"Serie,attr"`
	Folio            string `xml:"Folio,attr"`
	NumParcialidad   int    `xml:"NumParcialidad,attr"`
	ImpSaldoAnt      string `xml:"ImpSaldoAnt,attr"`
	ImpPagado        string `xml:"ImpPagado,attr"`
	ImpSaldoInsoluto string `xml:"ImpSaldoInsoluto,attr"`
}

type amountField struct {
	raw      string
	dst      *shared.Cents
	required bool
}

var versionNamespaces = map[string]string{
	"4.0": NamespaceCFDI40,
	"3.3": NamespaceCFDI33,
}

// ParseCFDI decodes a stamped CFDI 3.3 or 4.0. Any structural problem
// returns ErrMalformedCFDI.
func ParseCFDI(raw []byte) (CFDI, error) {
	var doc xmlComprobante
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charsetReader
	if err := dec.Decode(&doc); err != nil {
		return CFDI{}, fmt.Errorf("%w: %v", ErrMalformedCFDI, err)
	}
	if doc.XMLName.Local != "Comprobante" {
		return CFDI{}, fmt.Errorf("%w: root element %q", ErrMalformedCFDI, doc.XMLName.Local)
	}
	ns, ok := versionNamespaces[doc.Version]
	if !ok {
		return CFDI{}, fmt.Errorf("%w: unsupported version %q", ErrMalformedCFDI, doc.Version)
	}
	if doc.XMLName.Space != ns {
		return CFDI{}, fmt.Errorf("%w: version %s with namespace %q", ErrMalformedCFDI, doc.Version, doc.XMLName.Space)
	}
	if doc.Emisor == nil || doc.Receptor == nil {
		return CFDI{}, fmt.Errorf("%w: missing Emisor or Receptor", ErrMalformedCFDI)
	}
	if len(doc.Complemento.Timbres) != 1 {
		return CFDI{}, fmt.Errorf("%w: expected one TimbreFiscalDigital", ErrMalformedCFDI)
	}
	stamp := doc.Complemento.Timbres[0]
	id, err := uuid.Parse(strings.TrimSpace(stamp.UUID))
	if err != nil {
		return CFDI{}, fmt.Errorf("%w: uuid %q", ErrMalformedCFDI, stamp.UUID)
	}

	out := CFDI{
		UUID:          strings.ToUpper(id.String()),
		Version:       doc.Version,
		Series:        doc.Serie,
		Folio:         doc.Folio,
		Type:          DocType(doc.TipoDeComprobante),
		IssuerRFC:     shared.NormalizeRFC(doc.Emisor.Rfc),
		IssuerName:    strings.TrimSpace(doc.Emisor.Nombre),
		ReceiverRFC:   shared.NormalizeRFC(doc.Receptor.Rfc),
		ReceiverName:  strings.TrimSpace(doc.Receptor.Nombre),
		Currency:      strings.ToUpper(strings.TrimSpace(doc.Moneda)),
		PaymentMethod: PaymentMethod(doc.MetodoPago),
		PaymentForm:   doc.FormaPago,
	}
	sum := sha256.Sum256(raw)
	out.ContentHash = hex.EncodeToString(sum[:])

	switch out.Type {
	case DocTypeIncome, DocTypeExpense, DocTypePayment, DocTypePayroll, DocTypeTransfer:
	default:
		return CFDI{}, fmt.Errorf("%w: TipoDeComprobante %q", ErrMalformedCFDI, doc.TipoDeComprobante)
	}
	if out.IssuedAt, err = parseSATTime(doc.Fecha); err != nil {
		return CFDI{}, err
	}
	if stamp.FechaTimbrado != "" {
		if out.StampedAt, err = parseSATTime(stamp.FechaTimbrado); err != nil {
			return CFDI{}, err
		}
	}
	if out.Currency == "" {
		out.Currency = "MXN"
	}
	if out.ExchangeRate, err = parseRate(doc.TipoCambio, out.Currency); err != nil {
		return CFDI{}, err
	}
	amounts := []amountField{
		{doc.SubTotal, &out.Subtotal, true},
		{doc.Total, &out.Total, true},
		{doc.Descuento, &out.Discount, false},
	}
	if doc.Impuestos != nil {
		amounts = append(amounts,
			amountField{doc.Impuestos.Trasladados, &out.TaxTransferred, false},
			amountField{doc.Impuestos.Retenidos, &out.TaxWithheld, false},
		)
	}
	for _, a := range amounts {
		if a.raw == "" && !a.required {
			continue
		}
		v, err := shared.ParseCents(a.raw)
		if err != nil {
			return CFDI{}, fmt.Errorf("%w: %v", ErrMalformedCFDI, err)
		}
		*a.dst = v
	}
	if out.Type == DocTypeIncome || out.Type == DocTypeExpense {
		switch out.PaymentMethod {
		case PaymentPUE, PaymentPPD:
		default:
			return CFDI{}, fmt.Errorf("%w: MetodoPago %q", ErrMalformedCFDI, doc.MetodoPago)
		}
	}
	if out.Type == DocTypePayment {
		if out.Payments, err = parsePayments(doc.Complemento.Pagos); err != nil {
			return CFDI{}, err
		}
	}
	return out, nil
}

func parsePayments(nodes []xmlPagos) ([]Payment, error) {
	var out []Payment
	for _, pagos := range nodes {
		for _, p := range pagos.Pagos {
			date, err := parseSATTime(p.FechaPago)
			if err != nil {
				return nil, err
			}
			currency := strings.ToUpper(strings.TrimSpace(p.MonedaP))
			if currency == "" {
				currency = "MXN"
			}
			rate, err := parseRate(p.TipoCambioP, currency)
			if err != nil {
				return nil, err
			}
			amount, err := shared.ParseCents(p.Monto)
			if err != nil {
				return nil, fmt.Errorf("%w: Monto: %v", ErrMalformedCFDI, err)
			}
			payment := Payment{Date: date, Form: p.FormaDePagoP, Currency: currency, ExchangeRate: rate, Amount: amount}
			for _, d := range p.Docs {
				id, err := uuid.Parse(strings.TrimSpace(d.IDDocumento))
				if err != nil {
					return nil, fmt.Errorf("%w: IdDocumento %q", ErrMalformedCFDI, d.IDDocumento)
				}
				related := RelatedDocument{UUID: strings.ToUpper(id.String()), Series: d.Serie, Folio: d.Folio, Installment: d.NumParcialidad}
				for _, a := range []amountField{{d.ImpSaldoAnt, &related.Previous, false}, {d.ImpPagado, &related.Paid, true}, {d.ImpSaldoInsoluto, &related.Remaining, false}} {
					if a.raw == "" && !a.required {
						continue
					}
					if *a.dst, err = shared.ParseCents(a.raw); err != nil {
						return nil, fmt.Errorf("%w: DoctoRelacionado: %v", ErrMalformedCFDI, err)
					}
				}
				payment.Related = append(payment.Related, related)
			}
			out = append(out, payment)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: payment complement without Pago", ErrMalformedCFDI)
	}
	return out, nil
}

// charsetReader accepts the Latin-1 declarations some PAC stamps still emit.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(label) {
	case "iso-8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(input), nil
	}
	return nil, fmt.Errorf("unsupported charset %q", label)
}

// parseSATTime reads the Anexo 20 local timestamp, which carries no zone.
func parseSATTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date %q", ErrMalformedCFDI, raw)
}

func parseRate(raw, currency string) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	if currency == "MXN" || currency == "XXX" {
		return one, nil
	}
	if strings.TrimSpace(raw) == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %s without TipoCambio", ErrMalformedCFDI, currency)
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: TipoCambio %q", ErrMalformedCFDI, raw)
	}
	return rate, nil
}

// document maps a parsed CFDI onto a storable document for companyRFC.
// Direction stays empty when the company is not a party.
func (c CFDI) document(companyID int64, companyRFC string) FiscalDocument {
	doc := FiscalDocument{
		CompanyID:      companyID,
		UUID:           c.UUID,
		Version:        c.Version,
		Series:         c.Series,
		Folio:          c.Folio,
		Type:           c.Type,
		IssuerRFC:      c.IssuerRFC,
		IssuerName:     c.IssuerName,
		ReceiverRFC:    c.ReceiverRFC,
		ReceiverName:   c.ReceiverName,
		IssuedAt:       c.IssuedAt,
		Subtotal:       c.Subtotal,
		Discount:       c.Discount,
		TaxTransferred: c.TaxTransferred,
		TaxWithheld:    c.TaxWithheld,
		Total:          c.Total,
		Currency:       c.Currency,
		ExchangeRate:   c.ExchangeRate,
		PaymentMethod:  c.PaymentMethod,
		PaymentForm:    c.PaymentForm,
		Status:         StatusReceived,
		ContentHash:    c.ContentHash,
	}
	switch shared.NormalizeRFC(companyRFC) {
	case c.IssuerRFC:
		doc.Direction = DirectionIssued
	case c.ReceiverRFC:
		doc.Direction = DirectionReceived
	}
	return doc
}

// NormalizeUUID upper-cases a folio fiscal so lookups match stored values.
func NormalizeUUID(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
