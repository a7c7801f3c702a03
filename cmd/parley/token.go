package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
)

// fileTokenSource reads the bearer token from a file on every call, so a
// token rotated on disk is picked up by the next reconnect.
type fileTokenSource struct {
	path string
}

func (s *fileTokenSource) Token() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return nil, fmt.Errorf("token file %s is empty", s.path)
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}
