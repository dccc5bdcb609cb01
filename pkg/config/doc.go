// Package config decodes CUE definition bundles and loads operator settings.
//
// # Bundles
//
// A bundle declares resources and may import other bundles:
//
//	imports: ["../common/base.cue"]
//	resources: [
//		{type: "package", name: "nginx"},
//		{
//			type: "file"
//			name: "/etc/nginx/nginx.conf"
//			params: {content: "...", mode: "0644"}
//			depends_on: ["package[nginx]"]
//		},
//	]
//
// resources may also be a struct, in which case an entry without a name takes its label.
// CUEParser implements modules.Decoder, so the module loader can follow imports across
// local paths and URLs. Every problem found in a bundle is reported, aggregated with
// go-multierror, each as a ValidationError carrying the CUE position.
//
// # Schemas
//
// SchemaRegistry holds the CUE schema of the bundle itself and the parameter schemas of
// the built-in resource types. Handlers validate their parameters against it.
//
// # Settings
//
// Settings are read from YAML over DefaultSettings and validated with struct tags:
//
//	s, err := config.LoadSettings(config.DefaultSettingsPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
