package layout

import (
	"context"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
)

// RenderMarkdown renders CommonMark with strikethrough and bare URL links
// onto new pages. HTML blocks are laid out like RenderHTML input.
func (e *Engine) RenderMarkdown(ctx context.Context, source string) error {
	c := &markdownConverter{src: []byte(source)}
	c.children(parseMarkdown(c.src), 0, false)
	return e.render(ctx, c.blocks)
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))

func parseMarkdown(src []byte) ast.Node {
	return markdown.Parser().Parse(text.NewReader(src))
}

type markdownConverter struct {
	src    []byte
	blocks []block
}

func (c *markdownConverter) children(n ast.Node, indent int, quote bool) {
	for ch := n.FirstChild(); ch != nil; ch = ch.NextSibling() {
		c.block(ch, indent, quote)
	}
}

func (c *markdownConverter) lines(n ast.Node) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(c.src))
	}
	return b.String()
}

func (c *markdownConverter) block(n ast.Node, indent int, quote bool) {
	switch v := n.(type) {
	case *ast.Heading:
		c.blocks = append(c.blocks, block{kind: blockHeading, level: v.Level, indent: indent, quote: quote, spans: c.inlines(v, 0, "")})
	case *ast.Paragraph, *ast.TextBlock:
		c.blocks = append(c.blocks, block{kind: blockParagraph, indent: indent, quote: quote, spans: c.inlines(v, 0, "")})
	case *ast.List:
		num := v.Start
		for item := v.FirstChild(); item != nil; item = item.NextSibling() {
			marker := "•"
			if v.IsOrdered() {
				marker = strconv.Itoa(num) + "."
				num++
			}
			c.listItem(item, indent+1, quote, marker)
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		code := strings.TrimRight(c.lines(v), "\n")
		c.blocks = append(c.blocks, block{kind: blockCode, indent: indent, quote: quote, spans: []span{{text: code, style: styleMono}}})
	case *ast.ThematicBreak:
		c.blocks = append(c.blocks, block{kind: blockRule, indent: indent, quote: quote})
	case *ast.Blockquote:
		c.children(v, indent+1, true)
	case *ast.HTMLBlock:
		src := c.lines(v)
		if v.HasClosure() {
			src += string(v.ClosureLine.Value(c.src))
		}
		root, err := html.Parse(strings.NewReader(src))
		if err != nil {
			return
		}
		for _, bl := range htmlBlocks(root) {
			bl.indent += indent
			bl.quote = bl.quote || quote
			c.blocks = append(c.blocks, bl)
		}
	default:
		c.children(v, indent, quote)
	}
}

// listItem emits the first paragraph of item next to marker and the rest
// of its content below it.
func (c *markdownConverter) listItem(item ast.Node, indent int, quote bool, marker string) {
	first := item.FirstChild()
	bl := block{kind: blockListItem, indent: indent, quote: quote, marker: marker}
	switch first.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		bl.spans = c.inlines(first, 0, "")
		first = first.NextSibling()
	}
	c.blocks = append(c.blocks, bl)
	for n := first; n != nil; n = n.NextSibling() {
		c.block(n, indent, quote)
	}
}

func (c *markdownConverter) inlines(n ast.Node, st style, link string) []span {
	var out []span
	for ch := n.FirstChild(); ch != nil; ch = ch.NextSibling() {
		switch v := ch.(type) {
		case *ast.Text:
			out = append(out, span{text: string(v.Value(c.src)), style: st, link: link})
			switch {
			case v.HardLineBreak():
				out = append(out, hardBreak())
			case v.SoftLineBreak():
				out = append(out, span{text: " ", style: st, link: link})
			}
		case *ast.String:
			out = append(out, span{text: string(v.Value), style: st, link: link})
		case *ast.CodeSpan:
			out = append(out, c.inlines(v, st|styleMono, link)...)
		case *ast.Emphasis:
			s := styleItalic
			if v.Level >= 2 {
				s = styleBold
			}
			out = append(out, c.inlines(v, st|s, link)...)
		case *east.Strikethrough:
			out = append(out, c.inlines(v, st|styleStrike, link)...)
		case *ast.Link:
			out = append(out, c.inlines(v, st, string(v.Destination))...)
		case *ast.AutoLink:
			out = append(out, span{text: string(v.Label(c.src)), style: st, link: string(v.URL(c.src))})
		case *ast.Image:
			out = append(out, c.inlines(v, st|styleItalic, link)...)
		case *ast.RawHTML:
		default:
			out = append(out, c.inlines(ch, st, link)...)
		}
	}
	return out
}
