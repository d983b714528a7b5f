package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/wudi/pdfcore/scanner"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: scantest <pdf>")
		os.Exit(1)
	}
	f, err := os.Open(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "scantest: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	s := scanner.New(f, scanner.Config{})
	for i := 0; i < 200000; i++ { // limit to avoid flooding
		tok, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Printf("ERR: %v\n", err)
			break
		}
		fmt.Printf("%s@%d %s\n", tok.Type, tok.Pos, describe(tok))
	}
}

func describe(tok scanner.Token) string {
	switch tok.Type {
	case scanner.TokenNumber:
		if tok.IsInt {
			return fmt.Sprint(tok.Int)
		}
		return fmt.Sprint(tok.Float)
	case scanner.TokenBoolean:
		return fmt.Sprint(tok.Bool)
	case scanner.TokenRef:
		return tok.Ref.String()
	case scanner.TokenString:
		return fmt.Sprintf("%q", tok.Bytes)
	case scanner.TokenStream, scanner.TokenInlineImage:
		return fmt.Sprintf("%d bytes", len(tok.Bytes))
	}
	return tok.Str
}
