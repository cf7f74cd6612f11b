package scanner

import (
	"errors"
	"fmt"
	"slices"

	"github.com/censys/intake-scanner/pkg/config"
)

// FromConfig builds the configured engines, in order, as a Chain.
func FromConfig(cfg config.Scanner) (*Chain, error) {
	if len(cfg.Engines) == 0 {
		return nil, errors.New("no scan engines configured")
	}
	var engines []Engine
	for _, name := range cfg.Engines {
		switch name {
		case "signature":
			sigs := DefaultSignatures
			if cfg.SignaturesFile != "" {
				extra, err := LoadSignatures(cfg.SignaturesFile)
				if err != nil {
					return nil, err
				}
				sigs = append(slices.Clone(DefaultSignatures), extra...)
			}
			e, err := NewSignatureEngine(sigs)
			if err != nil {
				return nil, err
			}
			engines = append(engines, e)
		case "clamd":
			engines = append(engines, NewClamdEngine(cfg.ClamdNetwork, cfg.ClamdAddr))
		case "sniff":
			engines = append(engines, NewSniffEngine(cfg.DenyTypes))
		default:
			return nil, fmt.Errorf("unknown scan engine %q", name)
		}
	}
	return NewChain(engines...), nil
}
