// pcw watches public cloud resources created by openQA and removes the ones
// that outlived their TTL.
package main

func main() {
	Execute()
}
