// Command fileqctl inspects a fileq root directory: queue metadata,
// indexed segments, consume offsets, and the records of a segment file
// (cat). It has no subcommand for live consumer registrations. It never
// writes data; it only reads the catalog back out for a human, following
// the teacher's tempo-cli "-backend/-bucket + tablewriter" shape.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/olekukonko/tablewriter"

	"github.com/fileq/fileq"
	"github.com/fileq/fileq/catalog"
	"github.com/fileq/fileq/segment"
)

var (
	dir        string
	configPath string
	queueName  string
	group      string
	partition  int
	file       string
)

func init() {
	flag.StringVar(&dir, "dir", "", "fileq root directory (overrides -config's dir)")
	flag.StringVar(&configPath, "config", "", "path to a fileq config YAML file")
	flag.StringVar(&queueName, "queue", "", "queue name (required for queue/logs/offsets/cat)")
	flag.StringVar(&group, "group", "", "consumer group (required for offsets)")
	flag.IntVar(&partition, "partition", -1, "partition index (-1 means all partitions)")
	flag.StringVar(&file, "file", "", "segment file name, relative to -queue's directory (required for cat)")
}

func main() {
	flag.Parse()
	args := flag.Args()

	cfg, err := fileq.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if dir != "" {
		cfg.Dir = dir
	}
	dir = cfg.Dir

	if len(args) != 1 || dir == "" {
		usage()
		os.Exit(1)
	}

	db, err := fileq.Open(cfg, log.NewNopLogger())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error opening", dir, ":", err)
		os.Exit(1)
	}
	defer db.Close()

	var runErr error
	switch args[0] {
	case "queue":
		runErr = cmdQueue(db)
	case "logs":
		runErr = cmdLogs(db)
	case "offsets":
		runErr = cmdOffsets(db)
	case "cat":
		runErr = cmdCat(db)
	default:
		usage()
		os.Exit(1)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fileqctl -dir <path> [-queue NAME] [-group NAME] [-partition N] [-file NAME] <queue|logs|offsets|cat>")
}

// cmdCat decodes a segment file with the queue's own codec (binary or
// jsonlines, whichever it was created with) and prints each record as one
// JSON line regardless of which codec produced the file on disk.
func cmdCat(db *fileq.DB) error {
	if queueName == "" || file == "" {
		return fmt.Errorf("-queue and -file are required")
	}

	q, err := db.GetQueueInfo(queueName)
	if err != nil {
		return err
	}
	codec, err := segment.CodecByName(q.Codec)
	if err != nil {
		return err
	}

	path := fileq.SegmentPath(dir, queueName, file)
	r, err := segment.OpenRead(path)
	if err != nil {
		return err
	}
	defer r.Close()

	enc := json.NewEncoder(os.Stdout)
	for {
		rec, _, err := r.Next(codec)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(map[string]interface{}{
			"ts":      rec.Timestamp,
			"key":     rec.Key,
			"payload": string(rec.Payload),
		}); err != nil {
			return err
		}
	}
}

func cmdQueue(db *fileq.DB) error {
	if queueName == "" {
		return fmt.Errorf("-queue is required")
	}
	q, err := db.GetQueueInfo(queueName)
	if err != nil {
		return err
	}

	codec := q.Codec
	if codec == "" {
		codec = segment.CodecBinary
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"name", "partitions", "backup_hours", "bucket_minutes", "codec"})
	w.Append([]string{q.Name, strconv.Itoa(q.Partitions), strconv.Itoa(q.BackupHours), strconv.Itoa(q.BucketMinutes), codec})
	w.Render()
	return nil
}

func cmdLogs(db *fileq.DB) error {
	if queueName == "" {
		return fmt.Errorf("-queue is required")
	}
	q, err := db.GetQueueInfo(queueName)
	if err != nil {
		return err
	}

	parts := []int{partition}
	if partition < 0 {
		parts = make([]int, q.Partitions)
		for i := range parts {
			parts[i] = i
		}
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"file_name", "partition", "bucket_timestamp"})
	total := 0
	for _, p := range parts {
		logs, err := db.ListLogs(queueName, p, time.Time{}, 0)
		if err != nil {
			return err
		}
		for _, seg := range logs {
			w.Append([]string{seg.FileName, strconv.Itoa(seg.Partition), seg.BucketTimestamp.Format(time.RFC3339)})
			total++
		}
	}
	w.SetFooter([]string{"", "", strconv.Itoa(total)})
	w.Render()
	return nil
}

func cmdOffsets(db *fileq.DB) error {
	if queueName == "" || group == "" {
		return fmt.Errorf("-queue and -group are required")
	}
	q, err := db.GetQueueInfo(queueName)
	if err != nil {
		return err
	}

	parts := []int{partition}
	if partition < 0 {
		parts = make([]int, q.Partitions)
		for i := range parts {
			parts[i] = i
		}
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"partition", "log_file", "offset", "bucket_timestamp"})
	for _, p := range parts {
		off, err := db.ConsumeOffset(group, queueName, p)
		if err == catalog.ErrOffsetExpired {
			w.Append([]string{strconv.Itoa(p), "-", "-", "expired"})
			continue
		}
		if err != nil {
			return err
		}
		if off == nil {
			w.Append([]string{strconv.Itoa(p), "-", "-", "unset"})
			continue
		}
		w.Append([]string{strconv.Itoa(p), off.LogFile, strconv.FormatInt(off.Offset, 10), off.BucketTimestamp.Format(time.RFC3339)})
	}
	w.Render()
	return nil
}
