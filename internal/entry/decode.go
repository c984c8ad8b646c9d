// Package entry implements the CT leaf decoder: parsing raw MerkleTreeLeaf
// bytes per RFC 6962 §3.4 into a typed, tagged payload distinguishing x509
// entries from precert entries, following the
// tls.Unmarshal(leafBytes, &ct.MerkleTreeLeaf{}) pattern used throughout
// github.com/google/certificate-transparency-go's own tooling.
package entry

import (
	"fmt"

	ct "github.com/google/certificate-transparency-go"
	"github.com/google/certificate-transparency-go/tls"

	"ctmirror.dev/internal/ctxerr"
	"ctmirror.dev/internal/merkle"
)

// Kind distinguishes the two MerkleTreeLeaf entry-type cases.
type Kind int

const (
	KindX509 Kind = iota
	KindPrecert
)

func (k Kind) String() string {
	if k == KindPrecert {
		return "precert"
	}
	return "x509"
}

// Decoded is one parsed log entry, carrying both the decoded payload and
// the raw bytes needed to persist it unchanged.
type Decoded struct {
	Index    uint64
	LeafHash merkle.Hash
	// LeafBytes and ExtraData are the untouched get-entries response bytes,
	// kept alongside the parsed payload so the shard writer can persist the
	// exact wire representation without re-fetching or re-encoding it.
	LeafBytes     []byte
	ExtraData     []byte
	TimestampMs   uint64
	Kind          Kind
	// CertificateDER holds the leaf certificate DER for KindX509, or the
	// precert's TBSCertificate bytes for KindPrecert.
	CertificateDER []byte
	// IssuerKeyHash is only meaningful for KindPrecert.
	IssuerKeyHash [32]byte
	// Chain holds the intermediate certificate chain parsed from
	// extra_data (the precertificate itself is Chain[0] for KindPrecert).
	Chain      [][]byte
	Extensions []byte
}

// Decode parses one get-entries response element into a Decoded entry,
// computing its leaf hash in the same pass. Failures are reported as
// *ctxerr.DecodeError naming the offending index.
func Decode(index uint64, leafBytes, extraData []byte) (*Decoded, error) {
	var leaf ct.MerkleTreeLeaf
	if rest, err := tls.Unmarshal(leafBytes, &leaf); err != nil {
		return nil, &ctxerr.DecodeError{Index: index, Err: fmt.Errorf("unmarshal MerkleTreeLeaf: %w", err)}
	} else if len(rest) != 0 {
		return nil, &ctxerr.DecodeError{Index: index, Err: fmt.Errorf("%d trailing bytes after MerkleTreeLeaf", len(rest))}
	}

	if leaf.Version != ct.V1 {
		return nil, &ctxerr.DecodeError{Index: index, Err: fmt.Errorf("unsupported leaf version %d", leaf.Version)}
	}
	if leaf.LeafType != ct.TimestampedEntryLeafType {
		return nil, &ctxerr.DecodeError{Index: index, Err: fmt.Errorf("unsupported leaf type %d", leaf.LeafType)}
	}
	te := leaf.TimestampedEntry
	if te == nil {
		return nil, &ctxerr.DecodeError{Index: index, Err: fmt.Errorf("missing timestamped entry")}
	}

	d := &Decoded{
		Index:       index,
		LeafHash:    merkle.LeafHash(leafBytes),
		LeafBytes:   leafBytes,
		ExtraData:   extraData,
		TimestampMs: te.Timestamp,
		Extensions:  []byte(te.Extensions),
	}

	switch te.EntryType {
	case ct.X509LogEntryType:
		if te.X509Entry == nil {
			return nil, &ctxerr.DecodeError{Index: index, Err: fmt.Errorf("missing x509 entry")}
		}
		d.Kind = KindX509
		d.CertificateDER = te.X509Entry.Data

		var chain ct.CertificateChain
		if len(extraData) > 0 {
			if _, err := tls.Unmarshal(extraData, &chain); err != nil {
				return nil, &ctxerr.DecodeError{Index: index, Err: fmt.Errorf("unmarshal certificate chain: %w", err)}
			}
		}
		for _, c := range chain.Entries {
			d.Chain = append(d.Chain, c.Data)
		}

	case ct.PrecertLogEntryType:
		if te.PrecertEntry == nil {
			return nil, &ctxerr.DecodeError{Index: index, Err: fmt.Errorf("missing precert entry")}
		}
		d.Kind = KindPrecert
		d.CertificateDER = te.PrecertEntry.TBSCertificate
		d.IssuerKeyHash = te.PrecertEntry.IssuerKeyHash

		var chain ct.PrecertChainEntry
		if len(extraData) > 0 {
			if _, err := tls.Unmarshal(extraData, &chain); err != nil {
				return nil, &ctxerr.DecodeError{Index: index, Err: fmt.Errorf("unmarshal precert chain: %w", err)}
			}
		}
		d.Chain = append(d.Chain, chain.PreCertificate.Data)
		for _, c := range chain.CertificateChain {
			d.Chain = append(d.Chain, c.Data)
		}

	default:
		return nil, &ctxerr.DecodeError{Index: index, Err: fmt.Errorf("unsupported entry type %d", te.EntryType)}
	}

	return d, nil
}
