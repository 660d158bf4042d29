// Package filesection maps a contiguous range of the torrent payload onto files.
package filesection

import "io"

// Section of a file.
type Section struct {
	File   ReadWriterAt
	Offset int64
	Length int64
}

// ReadWriterAt combines positional read and write.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Sections is contiguous sections of files. When piece hashes in a torrent file
// are calculated all files are concatenated and split into pieces of the length
// specified in the torrent file, so a piece may straddle file boundaries.
type Sections []Section

// Length returns the total length of the sections.
func (s Sections) Length() int64 {
	var total int64
	for _, sec := range s {
		total += sec.Length
	}
	return total
}

// Reader returns an io.Reader that reads the sections in order.
func (s Sections) Reader() io.Reader {
	readers := make([]io.Reader, len(s))
	for i := range s {
		readers[i] = io.NewSectionReader(s[i].File, s[i].Offset, s[i].Length)
	}
	return io.MultiReader(readers...)
}

// ReadFull reads exactly len(buf) bytes from the beginning of the sections.
func (s Sections) ReadFull(buf []byte) error {
	_, err := io.ReadFull(s.Reader(), buf)
	return err
}

// Write writes the bytes in p into the files in s with positional writes.
// len(p) must be equal to the total length of the sections.
// A piece straddling a file boundary issues one write per section.
func (s Sections) Write(p []byte) (n int, err error) {
	var m int
	for _, sec := range s {
		m, err = sec.File.WriteAt(p[:sec.Length], sec.Offset)
		n += m
		if err != nil {
			return
		}
		if int64(m) < sec.Length {
			err = io.ErrShortWrite
			return
		}
		p = p[m:]
	}
	return
}
