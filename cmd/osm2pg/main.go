// Command osm2pg loads an OSM extract or osmChange file into a PostGIS
// database, the way osm2pgsql's own command line does: one run builds the
// geometry tables from scratch, a --append run applies a diff on top of
// slim middle tables and rolls up the tiles touched along the way.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
