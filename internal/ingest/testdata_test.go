package ingest_test

import (
	"fmt"
	"strings"
)

const (
	companyRFC  = "CMX010101AB1"
	supplierRFC = "PRO010101XY9"
	customerRFC = "CLI020202QW3"
)

// invoice renders a stamped CFDI for tests. Zero values fall back to a
// received PUE invoice of 1,000.00 plus 16% VAT.
type invoice struct {
	Version     string
	UUID        string
	Type        string
	Issuer      string
	Receiver    string
	Date        string
	Subtotal    string
	Total       string
	Transferred string
	Withheld    string
	Method      string
	Form        string
	Currency    string
	Rate        string
	Complement  string
	Encoding    string
}

func (inv invoice) XML() []byte {
	def := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}
	version := def(inv.Version, "4.0")
	ns := "http://www.sat.gob.mx/cfd/4"
	if version == "3.3" {
		ns = "http://www.sat.gob.mx/cfd/3"
	}
	attrs := []string{
		fmt.Sprintf(`Version="%s"`, version),
		`Serie="A"`,
		`Folio="101"`,
		fmt.Sprintf(`Fecha="%s"`, def(inv.Date, "2024-01-15T10:30:00")),
		fmt.Sprintf(`SubTotal="%s"`, def(inv.Subtotal, "1000.00")),
		fmt.Sprintf(`Total="%s"`, def(inv.Total, "1160.00")),
		fmt.Sprintf(`TipoDeComprobante="%s"`, def(inv.Type, "I")),
		fmt.Sprintf(`Moneda="%s"`, def(inv.Currency, "MXN")),
	}
	if inv.Rate != "" {
		attrs = append(attrs, fmt.Sprintf(`TipoCambio="%s"`, inv.Rate))
	}
	if inv.Type == "" || inv.Type == "I" || inv.Type == "E" {
		attrs = append(attrs,
			fmt.Sprintf(`MetodoPago="%s"`, def(inv.Method, "PUE")),
			fmt.Sprintf(`FormaPago="%s"`, def(inv.Form, "03")),
		)
	}
	taxes := ""
	if inv.Type == "" || inv.Type == "I" || inv.Type == "E" {
		taxAttrs := fmt.Sprintf(`TotalImpuestosTrasladados="%s"`, def(inv.Transferred, "160.00"))
		if inv.Withheld != "" {
			taxAttrs += fmt.Sprintf(` TotalImpuestosRetenidos="%s"`, inv.Withheld)
		}
		taxes = fmt.Sprintf(`<cfdi:Impuestos %s/>`, taxAttrs)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `<?xml version="1.0" encoding="%s"?>`, def(inv.Encoding, "UTF-8"))
	fmt.Fprintf(&sb, `<cfdi:Comprobante xmlns:cfdi="%s" xmlns:tfd="http://www.sat.gob.mx/TimbreFiscalDigital" xmlns:pago20="http://www.sat.gob.mx/Pagos20" %s>`, ns, strings.Join(attrs, " "))
	fmt.Fprintf(&sb, `<cfdi:Emisor Rfc="%s" Nombre="Proveedora del Centro"/>`, def(inv.Issuer, supplierRFC))
	fmt.Fprintf(&sb, `<cfdi:Receptor Rfc="%s" Nombre="Contadores MX"/>`, def(inv.Receiver, companyRFC))
	sb.WriteString(`<cfdi:Conceptos><cfdi:Concepto ClaveProdServ="84111506" Cantidad="1" Descripcion="Servicio" ValorUnitario="1000.00" Importe="1000.00"/></cfdi:Conceptos>`)
	sb.WriteString(taxes)
	sb.WriteString(`<cfdi:Complemento>`)
	sb.WriteString(inv.Complement)
	fmt.Fprintf(&sb, `<tfd:TimbreFiscalDigital Version="1.1" UUID="%s" FechaTimbrado="2024-01-15T10:31:00"/>`, def(inv.UUID, "6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f"))
	sb.WriteString(`</cfdi:Complemento></cfdi:Comprobante>`)
	return []byte(sb.String())
}

// paymentComplement renders a Pagos 2.0 node paying related invoices.
func paymentComplement(date string, related map[string]string) string {
	var docs strings.Builder
	for id, paid := range related {
		fmt.Fprintf(&docs, `<pago20:DoctoRelacionado IdDocumento="%s" MonedaDR="MXN" NumParcialidad="1" ImpSaldoAnt="%s" ImpPagado="%s" ImpSaldoInsoluto="0.00"/>`, id, paid, paid)
	}
	return fmt.Sprintf(`<pago20:Pagos Version="2.0"><pago20:Pago FechaPago="%s" FormaDePagoP="03" MonedaP="MXN" Monto="1.00">%s</pago20:Pago></pago20:Pagos>`, date, docs.String())
}
