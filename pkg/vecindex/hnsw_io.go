package vecindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Binary format version and magic bytes for HNSW serialization.
var hnswMagic = [4]byte{'R', 'A', 'N', 'N'}

const hnswVersion uint32 = 1

// Save serializes the entire HNSW index to w in a compact binary format.
//
// Ordinals are implicit: nodes are written in ordinal order and neighbor
// references are ordinals, so the graph round-trips without any remapping.
//
// Format overview:
//
//	[4B magic "RANN"] [4B version]
//	[4B dim] [4B M] [4B efConstruction] [4B efSearch]
//	[4B count] [4B maxLevel] [4B entryOrd]
//	For each node, in ordinal order:
//	  [4B level]
//	  [dim × 4B float32 vector]
//	  For each layer 0..level:
//	    [4B numFriends] [numFriends × 4B friend ordinals]
func (h *HNSW) Save(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bw := bufio.NewWriter(w)

	le := binary.LittleEndian
	write := func(v any) error { return binary.Write(bw, le, v) }

	// Header.
	if _, err := bw.Write(hnswMagic[:]); err != nil {
		return fmt.Errorf("vecindex: save magic: %w", err)
	}
	if err := write(hnswVersion); err != nil {
		return fmt.Errorf("vecindex: save version: %w", err)
	}

	// Config.
	for _, v := range []uint32{
		uint32(h.cfg.Dim),
		uint32(h.cfg.M),
		uint32(h.cfg.EfConstruction),
		uint32(h.cfg.EfSearch),
	} {
		if err := write(v); err != nil {
			return fmt.Errorf("vecindex: save config: %w", err)
		}
	}

	// Graph metadata.
	if err := write(uint32(len(h.nodes))); err != nil {
		return err
	}
	if err := write(uint32(h.maxLevel)); err != nil {
		return err
	}
	if err := write(h.entryOrd); err != nil {
		return err
	}

	// Nodes.
	for _, nd := range h.nodes {
		if err := write(uint32(nd.level)); err != nil {
			return err
		}
		for _, v := range nd.vector {
			if err := write(v); err != nil {
				return err
			}
		}
		for lev := 0; lev <= nd.level; lev++ {
			var friends []uint32
			if lev < len(nd.friends) {
				friends = nd.friends[lev]
			}
			if err := write(uint32(len(friends))); err != nil {
				return err
			}
			for _, f := range friends {
				if err := write(f); err != nil {
					return err
				}
			}
		}
	}

	return bw.Flush()
}

// LoadHNSW deserializes an HNSW index from r. The returned index is ready
// for immediate use.
func LoadHNSW(r io.Reader) (*HNSW, error) {
	br := bufio.NewReader(r)

	le := binary.LittleEndian
	read := func(v any) error { return binary.Read(br, le, v) }

	// Magic.
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("vecindex: load magic: %w", err)
	}
	if magic != hnswMagic {
		return nil, fmt.Errorf("vecindex: invalid magic %q", magic[:])
	}

	// Version.
	var version uint32
	if err := read(&version); err != nil {
		return nil, fmt.Errorf("vecindex: load version: %w", err)
	}
	if version != hnswVersion {
		return nil, fmt.Errorf("vecindex: unsupported version %d (want %d)", version, hnswVersion)
	}

	// Config.
	var dim, m, efC, efS uint32
	if err := read(&dim); err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, fmt.Errorf("vecindex: invalid dimension 0 in serialized index")
	}
	if err := read(&m); err != nil {
		return nil, err
	}
	if err := read(&efC); err != nil {
		return nil, err
	}
	if err := read(&efS); err != nil {
		return nil, err
	}

	// Graph metadata.
	var count, maxLev uint32
	var entryOrd int32
	if err := read(&count); err != nil {
		return nil, err
	}
	if err := read(&maxLev); err != nil {
		return nil, err
	}
	if err := read(&entryOrd); err != nil {
		return nil, err
	}
	if entryOrd >= int32(count) {
		return nil, fmt.Errorf("vecindex: entry ordinal %d out of range (%d nodes)", entryOrd, count)
	}

	// Nodes.
	nodes := make([]*hnswNode, count)
	for i := uint32(0); i < count; i++ {
		var level uint32
		if err := read(&level); err != nil {
			return nil, err
		}

		vec := make([]float32, dim)
		for j := range vec {
			if err := read(&vec[j]); err != nil {
				return nil, err
			}
		}

		friends := make([][]uint32, level+1)
		for lev := uint32(0); lev <= level; lev++ {
			var nf uint32
			if err := read(&nf); err != nil {
				return nil, err
			}
			if nf > 0 {
				friends[lev] = make([]uint32, nf)
				for k := range friends[lev] {
					if err := read(&friends[lev][k]); err != nil {
						return nil, err
					}
					if friends[lev][k] >= count {
						return nil, fmt.Errorf("vecindex: friend ordinal %d out of range (%d nodes)", friends[lev][k], count)
					}
				}
			}
		}

		nodes[i] = &hnswNode{
			vector:  vec,
			level:   int(level),
			friends: friends,
		}
	}

	cfg := HNSWConfig{
		Dim:            int(dim),
		M:              int(m),
		EfConstruction: int(efC),
		EfSearch:       int(efS),
	}
	cfg.setDefaults() // clamp M < 2 to avoid log(1)=0 → +Inf

	return &HNSW{
		cfg:      cfg,
		nodes:    nodes,
		entryOrd: entryOrd,
		maxLevel: int(maxLev),
		levelMul: 1.0 / math.Log(float64(cfg.M)),
	}, nil
}
