package convert

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/qloader/internal/document"
	"github.com/fyrsmithlabs/qloader/internal/errkind"
)

func TestConvertMarkdownYAMLFrontmatter(t *testing.T) {
	c := New(0, 0)

	data := []byte(`---
title: Release Notes
author: Platform Team
tags:
  - release
  - notes
date: 2024-03-01
---
# v1.2.0

Fixed the flaky retry loop.
`)

	res, err := c.Convert(context.Background(), Input{Data: data, FileName: "notes.md"})
	require.NoError(t, err)

	assert.Equal(t, "text/markdown", res.MIME)
	assert.Equal(t, "Release Notes", res.Title)
	assert.Equal(t, "Platform Team", res.Metadata[document.MetaAuthor])
	assert.Equal(t, []string{"release", "notes"}, res.Metadata[document.MetaTags])
	assert.Contains(t, res.Metadata[document.MetaCreatedAt], "2024-03-01")
	assert.Equal(t, "notes.md", res.Metadata[document.MetaFileName])
	assert.Equal(t, "md", res.Metadata[document.MetaFileType])

	assert.NotContains(t, res.Text, "Platform Team")
	assert.True(t, strings.HasPrefix(res.Text, "# v1.2.0"), "frontmatter removed, body starts at heading: %q", res.Text)
	assert.Contains(t, res.Text, "Fixed the flaky retry loop.")
}

func TestConvertMarkdownTOMLFrontmatter(t *testing.T) {
	c := New(0, 0)

	data := []byte("+++\ntitle = \"Ops Runbook\"\ntags = [\"ops\", \"oncall\"]\n+++\nRestart the worker first.\n")

	res, err := c.Convert(context.Background(), Input{Data: data, FileName: "runbook.md"})
	require.NoError(t, err)

	assert.Equal(t, "Ops Runbook", res.Title)
	assert.Equal(t, []string{"ops", "oncall"}, res.Metadata[document.MetaTags])
	assert.Equal(t, "Restart the worker first.\n", res.Text)
}

func TestConvertMarkdownMalformedFrontmatterStaysInBody(t *testing.T) {
	c := New(0, 0)

	data := []byte("---\n: not: valid: yaml: [\n---\nbody text\n")

	res, err := c.Convert(context.Background(), Input{Data: data, FileName: "x.md"})
	require.NoError(t, err)

	assert.Contains(t, res.Text, "not: valid")
	assert.Empty(t, res.Title)
	assert.NotContains(t, res.Metadata, document.MetaAuthor)
}

func TestConvertMarkdownTitleFromFirstHeading(t *testing.T) {
	c := New(0, 0)

	res, err := c.Convert(context.Background(), Input{
		Data:     []byte("intro line\n\n## Getting Started\n\ncontent\n"),
		FileName: "guide.md",
	})
	require.NoError(t, err)

	assert.Equal(t, "Getting Started", res.Title)
}

func TestConvertHTML(t *testing.T) {
	c := New(0, 0)

	data := []byte(`<html><head><title>API Guide</title><style>body{color:red}</style></head>
<body>
<h1>Overview</h1>
<p>The <b>gateway</b> accepts JSON.</p>
<script>var leaked = "nope";</script>
<h2>Endpoints</h2>
<ul><li>GET /v1/items</li><li>POST /v1/items</li></ul>
<pre>    indented code</pre>
</body></html>`)

	res, err := c.Convert(context.Background(), Input{Data: data, MIMEHint: "text/html; charset=utf-8"})
	require.NoError(t, err)

	assert.Equal(t, "text/html", res.MIME)
	assert.Equal(t, "API Guide", res.Title)
	assert.Contains(t, res.Text, "# Overview")
	assert.Contains(t, res.Text, "## Endpoints")
	assert.Contains(t, res.Text, "The gateway accepts JSON.")
	assert.Contains(t, res.Text, "- GET /v1/items")
	assert.Contains(t, res.Text, "- POST /v1/items")
	assert.Contains(t, res.Text, "    indented code")
	assert.NotContains(t, res.Text, "leaked")
	assert.NotContains(t, res.Text, "color:red")
	assert.NotContains(t, res.Text, "API Guide", "head title stays out of the body")
}

func TestConvertHTMLSniffedWithoutHint(t *testing.T) {
	c := New(0, 0)

	data := []byte("\n  <!DOCTYPE html><html><body><p>hello</p></body></html>")

	res, err := c.Convert(context.Background(), Input{Data: data})
	require.NoError(t, err)

	assert.Equal(t, "text/html", res.MIME)
	assert.Equal(t, "hello", res.Text)
}

func TestConvertPlainTextNormalization(t *testing.T) {
	c := New(0, 0)

	data := []byte("line one\r\nline two\rline three\x00\x07 end\xff")

	res, err := c.Convert(context.Background(), Input{Data: data, MIMEHint: "text/plain"})
	require.NoError(t, err)

	assert.Equal(t, "line one\nline two\nline three end�", res.Text)
}

func TestConvertJSONPassthrough(t *testing.T) {
	c := New(0, 0)

	data := []byte(`{"service": "qloader", "replicas": 3}`)

	res, err := c.Convert(context.Background(), Input{Data: data, MIMEHint: "application/json"})
	require.NoError(t, err)

	assert.Equal(t, "application/json", res.MIME)
	assert.Equal(t, string(data), res.Text)
}

func TestConvertCodeExtensionIsPlainText(t *testing.T) {
	c := New(0, 0)

	res, err := c.Convert(context.Background(), Input{
		Data:     []byte("package main\n"),
		FileName: "main.go",
	})
	require.NoError(t, err)

	assert.Equal(t, "text/plain", res.MIME)
	assert.Equal(t, "go", res.Metadata[document.MetaFileType])
}

func TestConvertBinaryMagicFails(t *testing.T) {
	c := New(0, 0)

	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 64)...)

	_, err := c.Convert(context.Background(), Input{Data: png, FileName: "diagram.png"})
	require.Error(t, err)

	fail := AsFailure(err)
	require.NotNil(t, fail)
	assert.Equal(t, ClassBinary, fail.Class)
	assert.Contains(t, fail.Description, "image/png")
	assert.Equal(t, errkind.Conversion, errkind.KindOf(err))
}

func TestConvertNullBytesFail(t *testing.T) {
	c := New(0, 0)

	data := append([]byte("mostly text "), 0x00, 0x01, 0x02)

	_, err := c.Convert(context.Background(), Input{Data: data})
	require.Error(t, err)

	fail := AsFailure(err)
	require.NotNil(t, fail)
	assert.Equal(t, ClassBinary, fail.Class)
}

func TestConvertOversizeFails(t *testing.T) {
	c := New(16, time.Second)

	_, err := c.Convert(context.Background(), Input{Data: []byte(strings.Repeat("a", 17)), FileName: "big.txt"})
	require.Error(t, err)

	fail := AsFailure(err)
	require.NotNil(t, fail)
	assert.Equal(t, ClassOversize, fail.Class)

	// A per-request limit overrides the converter default.
	_, err = c.Convert(context.Background(), Input{
		Data:    []byte(strings.Repeat("a", 17)),
		MaxSize: 32,
	})
	assert.NoError(t, err)
}

func TestConvertTimeoutFails(t *testing.T) {
	c := New(0, 0)

	big := []byte("<html><body>" + strings.Repeat("<p>cell</p>", 50000) + "</body></html>")

	_, err := c.Convert(context.Background(), Input{
		Data:     big,
		MIMEHint: "text/html",
		Timeout:  time.Nanosecond,
	})
	require.Error(t, err)

	fail := AsFailure(err)
	require.NotNil(t, fail)
	assert.Equal(t, ClassTimeout, fail.Class)
}

func TestConvertParentCancellation(t *testing.T) {
	c := New(0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	big := []byte("<html><body>" + strings.Repeat("<p>cell</p>", 50000) + "</body></html>")

	_, err := c.Convert(ctx, Input{Data: big, MIMEHint: "text/html"})
	require.Error(t, err)

	assert.Nil(t, AsFailure(err), "caller cancellation is not a conversion failure")
	assert.Equal(t, errkind.Cancelled, errkind.KindOf(err))
}

func TestSniffUnknownTextDefaultsToPlain(t *testing.T) {
	mt, fail := sniff([]byte("just some notes"), "", "NOTES")
	require.Nil(t, fail)
	assert.Equal(t, "text/plain", mt)
}

func TestNormalizeMIME(t *testing.T) {
	tests := []struct {
		hint string
		want string
	}{
		{hint: "text/markdown; charset=utf-8", want: "text/markdown"},
		{hint: "text/x-markdown", want: "text/markdown"},
		{hint: "application/xhtml+xml", want: "application/xhtml+xml"},
		{hint: "application/xml", want: "text/xml"},
		{hint: "text/anything-else", want: "text/plain"},
		{hint: "application/pdf", want: ""},
		{hint: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeMIME(tt.hint), "hint %q", tt.hint)
	}
}
