package billing

import (
	"html/template"
	"io"
	"time"
)

var funcs = template.FuncMap{
	"money":  Money,
	"fixed2": Fixed2,
	"when":   displayDate,
	"stamp":  func(t time.Time) string { return t.Format("2006-01-02 15:04:05") },
	"orNA": func(s string) string {
		if s == "" {
			return "N/A"
		}
		return s
	},
}

// The print layout is a standalone document: nothing from the preview panel
// is part of it, so the physical printout only ever contains the invoice.
const printLayout = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Invoice {{.Record.VisitID}}</title>
<style>
@page { size: A5; margin: 3cm 14mm 8mm 14mm; }
html, body { margin: 0; padding: 0; background: white; }
.bill-content { font-family: Arial, sans-serif; color: black; font-size: 10px; line-height: 1.3; padding: 4px; }
.head { display: flex; justify-content: space-between; }
.head > div { width: 50%; }
.right { text-align: right; }
table { width: 100%; border-collapse: collapse; margin-bottom: 4px; }
thead tr { border-top: 1px solid black; border-bottom: 1px solid black; }
td, th { padding: 2px 4px; }
.total { text-align: right; font-weight: bold; border-top: 2px solid black; font-size: 12px; }
.foot { border-top: 1px solid black; margin-top: 4px; }
</style>
</head>
<body onload="window.print()">
<div class="print-bill"><div class="bill-content">
<div class="head">
  <div>
    <h2>INVOICE</h2>
    <p><b>Name:</b> {{.Record.PatientName}}</p>
    <p><b>Payment:</b> {{.Record.PayType}}</p>
    <p><b>Date:</b> {{when .Record.VisitDate}}</p>
    <p><b>Doctor:</b> {{.Record.DoctorName}}</p>
  </div>
  <div class="right">
    <p><b>PATIENT COPY</b></p>
    <p><b>ID:</b> {{orNA .Record.PatientID.String}}</p>
    <p><b>Age/Sex:</b> {{orNA .Record.PatientAge.String}}/{{orNA .Record.PatientGender}}</p>
    <p><b>Phone:</b> {{.Record.PatientPhone}}</p>
    <p><b>Invoice:</b> {{.Record.VisitID}}</p>
  </div>
</div>
<table>
<thead><tr><th align="left">SN</th><th align="left">Particulars</th><th class="right">Rate</th><th class="right">Qty</th><th class="right">Amount</th></tr></thead>
<tbody>
{{range .Rows}}<tr><td>{{.SN}}</td><td>{{.Particulars}}</td><td class="right">{{money .Rate}}</td><td class="right">{{fixed2 .Quantity}}</td><td class="right">{{money .Amount}}</td></tr>
{{end}}</tbody>
</table>
<p class="total">Grand Total: {{money .GrandTotal}}</p>
<div class="foot">
{{if .Record.Notes}}<p><i>*{{.Record.Notes}}*</i></p>{{end}}
<p><b>Bill by:</b> {{.BilledBy}}</p>
<p><b>Print:</b> {{stamp .PrintedAt}}</p>
</div>
</div></div>
</body>
</html>
`

const previewPanel = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Print Bill</title></head>
<body>
<div class="preview-panel">
  <h2>Print Bill</h2>
  <div>
    <p><strong>Bill No:</strong> #{{.Invoice.Record.VisitID}}</p>
    <p><strong>Patient:</strong> {{.Invoice.Record.PatientName}}</p>
    <p><strong>Visit Type:</strong> {{.Invoice.Record.VisitType}}</p>
    <p><strong>Total Amount:</strong> {{money .Invoice.GrandTotal}}</p>
  </div>
  <a href="{{.PrintURL}}" target="_blank" rel="noopener">Print Bill</a>
  <a href="{{.CloseURL}}">Close</a>
</div>
</body>
</html>
`

var (
	printTmpl   = template.Must(template.New("print").Funcs(funcs).Parse(printLayout))
	previewTmpl = template.Must(template.New("preview").Funcs(funcs).Parse(previewPanel))
)

// RenderPrint writes the print-only invoice document.
func RenderPrint(w io.Writer, inv Invoice) error {
	return printTmpl.Execute(w, inv)
}

// RenderPreview writes the confirmation panel. printURL points at the
// print-only document for the same invoice.
func RenderPreview(w io.Writer, inv Invoice, printURL, closeURL string) error {
	return previewTmpl.Execute(w, struct {
		Invoice  Invoice
		PrintURL string
		CloseURL string
	}{inv, printURL, closeURL})
}

func displayDate(raw string) string {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			if layout == "2006-01-02" {
				return t.Format("2006-01-02")
			}
			return t.Format("2006-01-02 15:04")
		}
	}
	return raw
}
