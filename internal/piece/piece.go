// Package piece provides the Piece and Block types that divide the torrent payload.
package piece

import (
	"bytes"
	"hash"

	"github.com/cenkalti/downpour/internal/filesection"
	"github.com/cenkalti/downpour/internal/metainfo"
)

// BlockSize is the size of smallest transferable chunk of a piece.
const BlockSize = 16 * 1024

// Piece of a torrent.
type Piece struct {
	Index   uint32               // index in torrent
	Length  uint32               // always equal to Info.PieceLength except the last piece
	Data    filesection.Sections // the place to write downloaded bytes
	Done    bool                 // hash is correct and piece is written to disk
	Writing bool                 // piece is being written to disk
	Hash    []byte               // correct hash value from the metainfo
}

// NewPieces returns a slice of Pieces constructed from the metainfo and the opened files.
// Files are walked in order and each piece records the file sections it covers,
// so a piece that straddles a file boundary gets more than one section.
func NewPieces(info *metainfo.Info, files []filesection.ReadWriterAt) []Piece {
	var (
		fileIndex  int   // index of the current file in torrent
		fileLength int64 // length of the current file
		fileEnd    int64 // absolute position of end of the current file among all pieces
		fileOffset int64 // offset in file: [0, fileLength)
	)

	nextFile := func() {
		fileIndex++
		fileLength = info.GetFiles()[fileIndex].Length
		fileEnd += fileLength
		fileOffset = 0
	}

	// Skip to the first non-empty file.
	fileIndex = -1
	nextFile()
	for fileLength == 0 {
		nextFile()
	}

	fileLeft := func() int64 { return fileLength - fileOffset }

	var total int64
	pieces := make([]Piece, info.NumPieces)
	for i := uint32(0); i < info.NumPieces; i++ {
		p := Piece{
			Index: i,
			Hash:  info.PieceHash(i),
		}

		var pieceOffset uint32
		pieceLeft := func() uint32 { return info.PieceLength - pieceOffset }
		for left := pieceLeft(); left > 0; left = pieceLeft() {
			n := uint32(minInt64(int64(left), fileLeft()))

			section := filesection.Section{
				File:   files[fileIndex],
				Offset: fileOffset,
				Length: int64(n),
			}
			p.Data = append(p.Data, section)

			p.Length += n
			pieceOffset += n
			fileOffset += int64(n)
			total += int64(n)

			if total == info.TotalLength {
				break
			}
			if fileLeft() == 0 {
				nextFile()
			}
		}

		pieces[i] = p
	}
	return pieces
}

// Block is a fixed-size part of a Piece.
type Block struct {
	Index  uint32 // index in piece
	Begin  uint32 // offset in piece
	Length uint32
}

// NumBlocks returns the number of blocks in the piece.
func (p *Piece) NumBlocks() uint32 {
	div, mod := divMod32(p.Length, BlockSize)
	if mod != 0 {
		return div + 1
	}
	return div
}

// CalculateBlocks returns the blocks of the piece in order.
// Every block is BlockSize bytes except possibly the last one.
func (p *Piece) CalculateBlocks() []Block {
	div, mod := divMod32(p.Length, BlockSize)
	numBlocks := div
	if mod != 0 {
		numBlocks++
	}
	blocks := make([]Block, numBlocks)
	for j := uint32(0); j < div; j++ {
		blocks[j] = Block{
			Index:  j,
			Begin:  j * BlockSize,
			Length: BlockSize,
		}
	}
	if mod != 0 {
		blocks[numBlocks-1] = Block{
			Index:  numBlocks - 1,
			Begin:  (numBlocks - 1) * BlockSize,
			Length: mod,
		}
	}
	return blocks
}

// FindBlock returns the block at begin with the given length.
func (p *Piece) FindBlock(begin, length uint32) (b Block, ok bool) {
	idx, mod := divMod32(begin, BlockSize)
	if mod != 0 {
		return
	}
	if idx >= p.NumBlocks() {
		return
	}
	blockLength := uint32(BlockSize)
	if idx == p.NumBlocks()-1 && p.Length-begin < BlockSize {
		blockLength = p.Length - begin
	}
	if length != blockLength {
		return
	}
	return Block{Index: idx, Begin: begin, Length: blockLength}, true
}

// VerifyHash returns true if the hash of data matches the piece hash in the metainfo.
func (p *Piece) VerifyHash(data []byte, h hash.Hash) bool {
	if uint32(len(data)) != p.Length {
		return false
	}
	_, _ = h.Write(data)
	sum := h.Sum(nil)
	return bytes.Equal(sum, p.Hash)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func divMod32(a, b uint32) (uint32, uint32) { return a / b, a % b }
