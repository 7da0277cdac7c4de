package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/obelisknetworks/mainstay/src/keys"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new key pair in the data directory",
	RunE:  keygen,
}

func keygen(cmd *cobra.Command, args []string) error {
	keyfilePath := conf.Keyfile()

	if _, err := os.Stat(keyfilePath); err == nil {
		return fmt.Errorf("a key already exists in %s, refusing to overwrite", keyfilePath)
	}

	if err := os.MkdirAll(conf.DataDir, 0700); err != nil {
		return err
	}

	key, err := keys.GenerateECDSAKey()
	if err != nil {
		return err
	}

	keyfile := keys.NewSimpleKeyfile(keyfilePath)
	if err := keyfile.WriteKey(key); err != nil {
		return err
	}

	fmt.Println("Keyfile:   ", keyfilePath)
	fmt.Println("Address:   ", keys.Address(&key.PublicKey))
	fmt.Println("Public key:", keys.PublicKeyHex(&key.PublicKey))

	return nil
}
