// Package assets embeds and renders the single page of the application.
package assets

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/minify/v2/svg"
)

var (
	//go:embed index.html.tpl
	indexTemplate string
	//go:embed style.css
	styleCSS string
	//go:embed script.js
	scriptJS string
	//go:embed favicon.svg
	faviconSVG string
)

// PageData is rendered into the page template. Config is serialized to
// JSON by html/template for the page script.
type PageData struct {
	Config any
	Title  string
}

type templateData struct {
	Config any
	Title  string
	CSS    template.CSS
	JS     template.JS
}

func newMinifier() *minify.M {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("text/html", html.Minify)
	m.AddFunc("text/javascript", js.Minify)
	m.AddFunc("image/svg+xml", svg.Minify)
	return m
}

// Render builds the minified page.
func Render(data PageData) ([]byte, error) {
	m := newMinifier()

	cssMin, err := m.String("text/css", styleCSS)
	if err != nil {
		return nil, fmt.Errorf("minify CSS: %w", err)
	}
	jsMin, err := m.String("text/javascript", scriptJS)
	if err != nil {
		return nil, fmt.Errorf("minify JS: %w", err)
	}

	tmpl, err := template.New("index").Parse(indexTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, templateData{
		Config: data.Config,
		Title:  data.Title,
		CSS:    template.CSS(cssMin),
		JS:     template.JS(jsMin),
	})
	if err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}

	out, err := m.Bytes("text/html", buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("minify HTML: %w", err)
	}

	return out, nil
}

// Favicon returns the minified SVG icon.
func Favicon() ([]byte, error) {
	return newMinifier().Bytes("image/svg+xml", []byte(faviconSVG))
}
