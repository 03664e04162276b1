package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/gosuri/uilive"
	"github.com/mkatsoulis/exa-torrent/torrent"
)

var torrentFile = flag.String("torrentfile", "", "read the contents of the torrent `file`")
var baseDir = flag.String("basedir", "", "store the downloaded data in `dir`")
var seedFor = flag.Duration("seed", time.Hour, "how long to seed after the download completes")

func main() {
	flag.Parse()
	go func() {
		log.Println(http.ListenAndServe("localhost:6060", nil))
	}()
	cfg, err := torrent.DefaultConfig()
	if err != nil {
		log.Fatal(err)
	}
	if *baseDir != "" {
		cfg.BaseDir = *baseDir
	}
	cl, err := torrent.NewClient(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer cl.Close()
	if *torrentFile == "" {
		log.Fatal("please provide a torrent file")
	}
	t, err := cl.AddFromFile(*torrentFile)
	if err != nil {
		log.Fatal(err)
	}
	downloadC := make(chan error, 1)
	go func() {
		downloadC <- t.Download()
	}()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var seedC <-chan time.Time
	w := uilive.New()
	w.Start()
	defer w.Stop()
loop:
	for {
		select {
		case err := <-downloadC:
			if err != nil {
				log.Fatal(err)
			}
			fmt.Printf("Downloaded torrent. Will be seeding for %s...\n", *seedFor)
			seedC = time.NewTimer(*seedFor).C
			downloadC = nil
		case <-ticker.C:
			t.WriteStatus(w)
		case <-seedC:
			break loop
		}
	}
}
