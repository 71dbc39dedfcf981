// Package bundle loads product archives into the store.
//
// An archive is a gzip compressed tar holding one or more config.yaml files.
// Each file is a list of definitions:
//
//	- type: cluster
//	  name: hadoop
//	  version: "3.1"
//	  config:
//	    - {name: port, type: integer, default: 9000}
//	  actions:
//	    install:
//	      type: job
//	      script: install.yaml
//	      script_type: ansible
//	      states: {available: [created], on_success: installed}
//
// The loader hashes the archive, checks an optional detached OpenPGP
// signature, validates definitions and stores prototypes, actions and
// upgrades in one transaction. Version order of bundles and prototypes is
// recomputed after every load and delete.
//
// Watcher loads archives dropped into a directory.
package bundle
