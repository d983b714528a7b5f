package layout

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// RenderHTML renders an HTML document or fragment onto new pages.
// Headings, paragraphs, lists, preformatted text, block quotes, rules,
// tables (one row per line) and the common inline styles are laid out;
// scripts, styles and the document head are skipped.
func (e *Engine) RenderHTML(ctx context.Context, source string) error {
	root, err := html.Parse(strings.NewReader(source))
	if err != nil {
		return fmt.Errorf("layout: parse html: %w", err)
	}
	return e.render(ctx, htmlBlocks(root))
}

type htmlList struct {
	ordered bool
	next    int
}

type htmlConverter struct {
	blocks []block
	inline []span
	indent int
	quote  int
	lists  []htmlList
	marker string
}

// inlineState is the style inherited by text nodes.
type inlineState struct {
	style style
	link  string
}

func htmlBlocks(root *html.Node) []block {
	c := &htmlConverter{}
	c.walk(root, inlineState{})
	c.flush(blockParagraph, 0)
	return c.blocks
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// flush turns the pending inline content into a block. A pending list
// marker makes it a list item.
func (c *htmlConverter) flush(kind blockKind, level int) {
	spans := c.inline
	c.inline = nil
	if kind == blockCode {
		if len(spans) > 0 {
			last := &spans[len(spans)-1]
			last.text = strings.TrimRight(last.text, "\n")
		}
	} else if len(collapse(spans)) == 0 {
		if c.marker == "" {
			return
		}
		spans = nil
	}
	bl := block{kind: kind, level: level, indent: c.indent, quote: c.quote > 0, spans: spans}
	if c.marker != "" && kind == blockParagraph {
		bl.kind, bl.marker = blockListItem, c.marker
		c.marker = ""
	}
	c.blocks = append(c.blocks, bl)
}

func (c *htmlConverter) children(n *html.Node, st inlineState) {
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.walk(ch, st)
	}
}

func (c *htmlConverter) walk(n *html.Node, st inlineState) {
	switch n.Type {
	case html.TextNode:
		c.inline = append(c.inline, span{text: n.Data, style: st.style, link: st.link})
		return
	case html.DocumentNode:
		c.children(n, st)
		return
	case html.ElementNode:
	default:
		return
	}

	switch n.DataAtom {
	case atom.Head, atom.Script, atom.Style, atom.Title, atom.Template, atom.Noscript:
		return
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		c.flush(blockParagraph, 0)
		st.style |= styleBold
		c.children(n, st)
		c.flush(blockHeading, int(n.Data[1]-'0'))
		return
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer,
		atom.Main, atom.Nav, atom.Aside, atom.Address, atom.Figure, atom.Figcaption,
		atom.Dl, atom.Dt, atom.Dd, atom.Table, atom.Tr, atom.Caption:
		c.flush(blockParagraph, 0)
		c.children(n, st)
		c.flush(blockParagraph, 0)
		return
	case atom.Pre:
		c.flush(blockParagraph, 0)
		st.style |= styleMono
		c.children(n, st)
		if len(c.inline) > 0 {
			c.inline[0].text = strings.TrimPrefix(c.inline[0].text, "\n")
		}
		c.flush(blockCode, 0)
		return
	case atom.Ul, atom.Ol:
		c.flush(blockParagraph, 0)
		l := htmlList{ordered: n.DataAtom == atom.Ol, next: 1}
		if v, err := strconv.Atoi(attr(n, "start")); err == nil && l.ordered {
			l.next = v
		}
		c.lists = append(c.lists, l)
		c.indent++
		c.children(n, st)
		c.flush(blockParagraph, 0)
		c.indent--
		c.lists = c.lists[:len(c.lists)-1]
		return
	case atom.Li:
		c.flush(blockParagraph, 0)
		c.marker = "•"
		if k := len(c.lists); k > 0 && c.lists[k-1].ordered {
			c.marker = strconv.Itoa(c.lists[k-1].next) + "."
			c.lists[k-1].next++
		}
		c.children(n, st)
		c.flush(blockParagraph, 0)
		c.marker = ""
		return
	case atom.Blockquote:
		c.flush(blockParagraph, 0)
		c.indent++
		c.quote++
		c.children(n, st)
		c.flush(blockParagraph, 0)
		c.quote--
		c.indent--
		return
	case atom.Hr:
		c.flush(blockParagraph, 0)
		c.blocks = append(c.blocks, block{kind: blockRule, indent: c.indent, quote: c.quote > 0})
		return
	case atom.Br:
		c.inline = append(c.inline, hardBreak())
		return
	case atom.Img:
		if alt := attr(n, "alt"); alt != "" {
			c.inline = append(c.inline, span{text: alt, style: st.style | styleItalic, link: st.link})
		}
		return
	case atom.Td, atom.Th:
		if n.DataAtom == atom.Th {
			st.style |= styleBold
		}
		c.children(n, st)
		c.inline = append(c.inline, span{text: "  ", style: st.style})
		return
	case atom.B, atom.Strong:
		st.style |= styleBold
	case atom.I, atom.Em, atom.Cite, atom.Var, atom.Dfn:
		st.style |= styleItalic
	case atom.Code, atom.Tt, atom.Kbd, atom.Samp:
		st.style |= styleMono
	case atom.S, atom.Del, atom.Strike:
		st.style |= styleStrike
	case atom.A:
		if href := attr(n, "href"); href != "" {
			st.link = href
		}
	}
	c.children(n, st)
}
