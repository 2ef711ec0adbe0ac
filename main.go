package main

import (
	"log"

	"github.com/boypt/selective-torrent/server"
	"github.com/jpillora/opts"
)

var VERSION = "0.0.0-src" //set with ldflags

func main() {
	s := server.Server{
		Title: "Selective Torrent",
		Port:  3000,
	}

	o := opts.New(&s)
	o.Version(VERSION)
	o.PkgRepo()
	o.Parse()

	if err := s.Run(VERSION); err != nil {
		log.Fatal(err)
	}
}
