package export

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"

	"github.com/zbcumt/thingsboard/internal/domain"
)

// rowWriter abstracts the export file formats.
type rowWriter interface {
	WriteHeader(headers []string) error
	WriteRow(row []string) error
	Flush() error
	Close() error
	BytesWritten() int64
}

func newRowWriter(format domain.ExportFormat, file *os.File) (rowWriter, error) {
	switch format {
	case domain.ExportFormatXLSX:
		return newXLSXWriter(file)
	default:
		return newCSVWriter(file), nil
	}
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

type csvRowWriter struct {
	counter *countingWriter
	csv     *csv.Writer
}

func newCSVWriter(file *os.File) *csvRowWriter {
	buffered := bufio.NewWriterSize(file, 1<<20) // 1 MiB buffer for streaming writes
	counter := &countingWriter{writer: buffered}
	return &csvRowWriter{counter: counter, csv: csv.NewWriter(counter)}
}

func (w *csvRowWriter) WriteHeader(headers []string) error { return w.csv.Write(headers) }
func (w *csvRowWriter) WriteRow(row []string) error        { return w.csv.Write(row) }

func (w *csvRowWriter) Flush() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return err
	}
	return w.counter.writer.Flush()
}

func (w *csvRowWriter) Close() error        { return w.Flush() }
func (w *csvRowWriter) BytesWritten() int64 { return w.counter.count }

// xlsxRowWriter streams rows into the first sheet of an xlsx workbook.
type xlsxRowWriter struct {
	file    *os.File
	book    *excelize.File
	stream  *excelize.StreamWriter
	nextRow int
	bytes   int64
}

func newXLSXWriter(file *os.File) (*xlsxRowWriter, error) {
	book := excelize.NewFile()
	stream, err := book.NewStreamWriter("Sheet1")
	if err != nil {
		return nil, fmt.Errorf("open xlsx stream: %w", err)
	}
	return &xlsxRowWriter{file: file, book: book, stream: stream, nextRow: 1}, nil
}

func (w *xlsxRowWriter) WriteHeader(headers []string) error { return w.writeCells(headers) }
func (w *xlsxRowWriter) WriteRow(row []string) error        { return w.writeCells(row) }

func (w *xlsxRowWriter) writeCells(values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, w.nextRow)
	if err != nil {
		return err
	}
	row := make([]interface{}, len(values))
	for i, value := range values {
		row[i] = value
	}
	if err := w.stream.SetRow(cell, row); err != nil {
		return err
	}
	w.nextRow++
	return nil
}

func (w *xlsxRowWriter) Flush() error { return nil }

func (w *xlsxRowWriter) Close() error {
	if err := w.stream.Flush(); err != nil {
		return fmt.Errorf("flush xlsx stream: %w", err)
	}
	written, err := w.book.WriteTo(w.file)
	if err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	w.bytes = written
	return w.book.Close()
}

func (w *xlsxRowWriter) BytesWritten() int64 { return w.bytes }
